// Command gatewayd runs the multi-tenant agent gateway, grounded on the
// axonctl root-command shape (github.com/spf13/cobra) of the reference
// corpus's platform CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "gatewayd",
		Short:   "Multi-tenant agent gateway",
		Long:    "gatewayd brokers WebSocket connections between agent nodes and operators, enforcing auth, tenant isolation, and prepaid billing.",
		Version: version,
	}

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
