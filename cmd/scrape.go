package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newScrapeCmd() *cobra.Command {
	var community, timeFilter, sort string
	cmd := &cobra.Command{
		Use:   "scrape <query>",
		Short: "Render and extract one search page and print the candidates as JSON",
		Long: `Fetches the search page for query, renders it when rendering is enabled and
prints the extracted candidates. Nothing is enqueued or stored. Useful when
the page markup changes and extraction needs debugging.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			urls := a.SearchURLs()
			if timeFilter != "" {
				urls.TimeFilter = timeFilter
			}
			if sort != "" {
				urls.Sort = sort
			}
			if err := urls.Validate(); err != nil {
				return err
			}

			handler, release, err := a.SearchHandler(nil, urls)
			if err != nil {
				return err
			}
			defer release()

			items, err := handler.Scrape(cmd.Context(), strings.Join(args, " "), community)
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(items); err != nil {
				return fmt.Errorf("write candidates: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&community, "community", "", "restrict the search to one community")
	cmd.Flags().StringVar(&timeFilter, "time", "", "time filter: hour, day, week, month, year, all")
	cmd.Flags().StringVar(&sort, "sort", "", "sort: relevance, hot, top, new, comments")
	return cmd
}
