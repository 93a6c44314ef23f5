// Command servisctl talks to a running servis-core over its orchestration
// and hardware ports, and can probe a serial device link.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type options struct {
	addr    string
	hwAddr  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "servisctl",
		Short:         "Control client for the servis control plane",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "orchestrator address")
	root.PersistentFlags().StringVar(&opts.hwAddr, "hw-addr", "127.0.0.1:8081", "hardware control address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "dial and reply timeout")

	root.AddCommand(
		newSendCmd(opts),
		newDownloadCmd(opts),
		newStatusCmd(opts),
		newAbortCmd(opts),
		newShutdownCmd(opts),
		newGPIOCmd(opts),
		newClassifyCmd(),
		newSerialCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
