package main

import (
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"dawnarchive/internal/scraper"
	"dawnarchive/pkg/types"
)

func newScrapeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scrape [date]",
		Short: "Scrapes every section of a date (logical today by default) and stores the archive.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			date := a.Orchestrator.LogicalToday()
			if len(args) == 1 {
				date = args[0]
			}
			if !types.ValidDate(date) {
				return fmt.Errorf("invalid date %q, use YYYY-MM-DD", date)
			}

			day, err := a.Orchestrator.ScrapeDay(cmd.Context(), date)
			if day == nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetTitle(day.Date)
			t.AppendHeader(table.Row{"Section", "Articles"})
			for _, section := range a.Orchestrator.Sections() {
				t.AppendRow(table.Row{section, len(day.Sections[section])})
			}
			t.AppendFooter(table.Row{"Total", day.ArticleCount()})
			t.SetStyle(table.StyleRounded)
			t.Render()

			if errors.Is(err, scraper.ErrAllSectionsFailed) {
				return fmt.Errorf("%s: %w", date, err)
			}
			return err
		},
	}
}
