package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newDatesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dates",
		Short: "Lists the dates with a stored archive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			dates, err := a.Cache.ListDates()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Date", "Bytes"})
			for _, date := range dates {
				size, err := a.Cache.Size(date)
				if err != nil {
					continue
				}
				t.AppendRow(table.Row{date, size})
			}
			t.AppendFooter(table.Row{"Count", len(dates)})
			t.SetStyle(table.StyleRounded)
			t.Render()
			return nil
		},
	}
}

func newEvictCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <cutoff>",
		Short: "Deletes stored archives dated before cutoff.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.Cache.EvictOlderThan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d archive(s) before %s\n", removed, args[0])
			return nil
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Deletes every stored archive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, failures := a.Cache.ClearAll(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d archive(s)\n", deleted)
			if len(failures) == 0 {
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.ErrOrStderr())
			t.AppendHeader(table.Row{"Date", "Error"})
			for _, f := range failures {
				t.AppendRow(table.Row{f.Date, f.Err})
			}
			t.SetStyle(table.StyleRounded)
			t.Render()
			return fmt.Errorf("%d archive(s) could not be deleted", len(failures))
		},
	}
}
