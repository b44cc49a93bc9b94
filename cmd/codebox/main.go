// Codebox — sandboxed code execution server with interactive sessions.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codebox",
	Short: "Codebox — run untrusted code in isolated, interactive sandbox sessions.",
	Long: `Codebox executes submitted source code inside resource-capped, network-less
containers and streams program output, errors, and input prompts to clients
over a persistent WebSocket connection.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
