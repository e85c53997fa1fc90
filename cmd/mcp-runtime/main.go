// mcp-runtime serves the bundled demo capabilities over stdio or streaming
// HTTP. Run with --help for flags; every flag also has an MCP_* environment
// variable.
package main

import (
	"os"

	"github.com/ggoodman/mcp-runtime-go/cmd/mcp-runtime/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
