package session

import (
	"bytes"
	"regexp"
)

// defaultPromptWindow caps the output retained for prompt detection. Older
// bytes are discarded so a chatty program cannot grow the accumulator
// without bound.
const defaultPromptWindow = 4096

// promptTail matches output that ends with a colon or question mark followed
// by at most trailing spaces or tabs — the usual shape of an interactive
// prompt printed without a newline.
var promptTail = regexp.MustCompile(`[:?][ \t]*$`)

// readMarker is a recognizable "read input" substring. Python's input()
// call frequently appears verbatim in echoed or traced source.
var readMarker = []byte("input(")

// promptDetector infers from emitted output that the running program is
// blocked awaiting interactive input. It is a best-effort classifier:
// programs can legitimately print colons without reading, and prompts can
// take shapes it does not recognize. False positives and negatives affect
// only client-side signaling, never output delivery.
type promptDetector struct {
	window []byte
	max    int
}

func newPromptDetector(max int) *promptDetector {
	if max <= 0 {
		max = defaultPromptWindow
	}
	return &promptDetector{max: max}
}

// Observe appends a newly emitted chunk to the windowed accumulator and
// reports whether the program now looks blocked on input. Matching runs
// against the window tail so prompts split across chunks are still caught.
func (d *promptDetector) Observe(chunk []byte) bool {
	d.window = append(d.window, chunk...)
	if len(d.window) > d.max {
		d.window = d.window[len(d.window)-d.max:]
	}
	if bytes.Contains(chunk, readMarker) {
		return true
	}
	return promptTail.Match(d.window)
}
