// Command tzclock shows world clocks kept in step with a time server and
// converts datetimes between timezones.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "tzclock",
		Short:         "World clocks and timezone conversion in the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return runTUI(cmd.Context(), a)
		},
	}

	addGlobalFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		newServeCmd(opts),
		newConvertCmd(opts),
		newNowCmd(opts),
	)
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, opts *globalOptions) {
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/tzclock/config.yaml)")
	fs.StringVar(&opts.serverURL, "server", "", "time server base URL")
	fs.BoolVar(&opts.offline, "offline", false, "answer from the local clock instead of the time server")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
