package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/philtim/tzclock/catalog"
	"github.com/philtim/tzclock/clock"
	"github.com/philtim/tzclock/oracle"
	"github.com/philtim/tzclock/scheduler"
	"github.com/philtim/tzclock/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the time server and the clock board feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			if cmd.Flags().Changed("listen") {
				a.cfg.Listen = listen
			}

			// The server is the oracle, so the board runs on the local clock.
			local := oracle.NewLocal(nil, nil)
			board := scheduler.New(local,
				scheduler.WithLogger(a.logger),
				scheduler.WithIntervals(a.cfg.TickInterval, a.cfg.ResyncInterval),
				scheduler.WithMaxConcurrent(a.cfg.MaxConcurrentSyncs),
			)
			board.Pin(a.cfg.Timezones()...)
			for _, r := range board.AddCities(cmd.Context(), a.cfg.Timezones()) {
				if r.Err != nil {
					a.logger.Warn("board city not added", "timezone", r.Timezone, "err", r.Err)
				}
			}
			board.Start(cmd.Context())
			defer board.Stop()

			return server.New(local, nil, board, a.logger).Run(cmd.Context(), a.cfg.Listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

func newConvertCmd(opts *globalOptions) *cobra.Command {
	var from, to string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "convert DATETIME",
		Short: "Convert a local datetime from one timezone to another",
		Example: `  tzclock convert "2024-01-15 10:00" --from America/New_York --to Asia/Tokyo
  tzclock convert 2024-03-31T09:30 -f Europe/London -t UTC --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.converter.Convert(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintf(out, "%s\n", res.FormattedTarget)
			fmt.Fprintf(out, "%s → %s: %s\n", catalog.DisplayName(from), catalog.DisplayName(to), res.OffsetAnnotation)
			return nil
		},
	}

	cmd.Flags().StringVarP(&from, "from", "f", "UTC", "source timezone")
	cmd.Flags().StringVarP(&to, "to", "t", "UTC", "target timezone")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	_ = cmd.RegisterFlagCompletionFunc("from", completeTimezones)
	_ = cmd.RegisterFlagCompletionFunc("to", completeTimezones)
	return cmd
}

func newNowCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "now [TIMEZONE...]",
		Short: "Print the current time of the given or configured cities",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tzs := args
			if len(tzs) == 0 {
				tzs = a.cfg.Timezones()
			}

			var failed []string
			for _, r := range a.scheduler.AddCities(cmd.Context(), lo.Uniq(tzs)) {
				if r.Err != nil {
					failed = append(failed, fmt.Sprintf("%s: %v", r.Timezone, r.Err))
				}
			}

			clocks := a.scheduler.Snapshots()
			if len(clocks) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), clocksTable(a, clocks).Render())
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d cities failed:\n  %s", len(failed), len(tzs), strings.Join(failed, "\n  "))
			}
			return nil
		},
		ValidArgsFunction: completeTimezones,
	}
	return cmd
}

func clocksTable(a *app, clocks []clock.ProjectedClock) *table.Table {
	rows := lo.Map(clocks, func(pc clock.ProjectedClock, _ int) []string {
		return []string{a.cityName(pc.Timezone), pc.DisplayTime, pc.DisplayDate, pc.UTCOffset}
	})

	return table.New().
		Headers("CITY", "TIME", "DATE", "OFFSET").
		Rows(rows...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("62"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			switch {
			case row == table.HeaderRow:
				return style.Bold(true).Foreground(lipgloss.Color("86"))
			case col == 1:
				return style.Bold(true).Foreground(lipgloss.Color("205"))
			default:
				return style.Foreground(lipgloss.Color("241"))
			}
		})
}

func completeTimezones(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return catalog.Timezones, cobra.ShellCompDirectiveNoFileComp
}
