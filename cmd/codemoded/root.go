// Command codemoded wires the Kernel Client, Tool Client, Session Registry,
// Tool Proxy, Binding Generator, and Daemon Supervisor together behind one
// fiber HTTP surface.
//
// Root command shape (package-level *cobra.Command, Execute entrypoint,
// flags bound in init) is grounded on sam-saffron-jarvis-term-llm's
// cmd/root.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codemoded",
	Short: "Code Mode daemon: Jupyter-backed code execution for generated tool bindings",
	Long: `codemoded hosts the Code Mode daemon subsystem: a Jupyter kernel
gateway client, an MCP tool catalog and proxy, a Python binding generator,
and a daemon supervisor that runs generated code against a live kernel and
streams its output back to the caller.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	Execute()
}
