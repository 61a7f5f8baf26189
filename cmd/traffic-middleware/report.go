package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newReportCommand(opts *options) *cobra.Command {
	var percent bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run one aggregation and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			var out any
			if percent {
				out, err = a.usage.Percentages(cmd.Context())
			} else {
				out, err = a.usage.Collect(cmd.Context())
			}
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&percent, "percent", false, "print usage as a percentage of each quota")
	return cmd
}

func writeReport(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
