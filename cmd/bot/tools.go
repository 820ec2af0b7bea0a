package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
)

// normalizeCmd prints the matching form of a text, for tuning rosters.
func normalizeCmd() *cobra.Command {
	var noFold bool
	cmd := &cobra.Command{
		Use:   "normalize <text>",
		Short: "Print the normalized form of a text",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			n := match.NewNormalizer(!noFold)
			fmt.Fprintln(cmd.OutOrStdout(), n.Normalize(strings.Join(args, " ")))
		},
	}
	cmd.Flags().BoolVar(&noFold, "no-fold", false, "skip Arabic letter folding")
	return cmd
}

func matchCmd() *cobra.Command {
	var (
		clients   []string
		threshold float64
		noFold    bool
	)
	cmd := &cobra.Command{
		Use:   "match <text>",
		Short: "Match a text against client names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(clients) == 0 {
				return fmt.Errorf("at least one --client is required")
			}
			n := match.NewNormalizer(!noFold)
			roster := make([]match.Client, 0, len(clients))
			for _, c := range clients {
				roster = append(roster, match.Client{Name: c})
			}
			roster = match.CleanRoster(n, roster)
			res, ok := match.NewMatcher(n).Match(roster, strings.Join(args, " "), control.NormalizeThreshold(threshold))

			out := map[string]any{"matched": ok}
			if ok {
				out["client"] = res.Client.Name
				out["score"] = res.Score
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringArrayVar(&clients, "client", nil, "client name (repeatable)")
	cmd.Flags().Float64Var(&threshold, "threshold", 100, "match threshold, 0-100")
	cmd.Flags().BoolVar(&noFold, "no-fold", false, "skip Arabic letter folding")
	return cmd
}
