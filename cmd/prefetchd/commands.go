package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mundotango/prefetchd/internal/config"
	"github.com/mundotango/prefetchd/internal/predict"
	"github.com/mundotango/prefetchd/internal/storage"
)

func addUserFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("user", 0, "user id the request is made for (required)")
}

// clientFor builds an API client for the --user flag of cmd.
func clientFor(cmd *cobra.Command) (*apiClient, error) {
	userID, _ := cmd.Flags().GetInt64("user")
	if userID <= 0 {
		return nil, fmt.Errorf("--user is required and must be a positive integer")
	}
	return newAPIClient(userID)
}

// --- track ---

var trackCmd = &cobra.Command{
	Use:   "track <from-page> <to-page>",
	Short: "Record a page transition",
	Long: `Record that a user moved from one page to another.

Examples:
  prefetchd track --user 42 /feed /events --seconds 12`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, _ := cmd.Flags().GetInt("seconds")
		if seconds < 0 {
			return fmt.Errorf("--seconds must be >= 0")
		}
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		return runTrack(cmd.Context(), client, args[0], args[1], seconds)
	},
}

func runTrack(ctx context.Context, client *apiClient, from, to string, seconds int) error {
	resp, err := client.post(ctx, "/track", map[string]any{
		"fromPage":   from,
		"toPage":     to,
		"timeOnPage": seconds,
	})
	if err != nil {
		return err
	}

	var result map[string]bool
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}

	printSuccess("Tracked %s → %s", from, to)
	return nil
}

func init() {
	addUserFlag(trackCmd)
	trackCmd.Flags().Int("seconds", 0, "seconds spent on the first page")
}

// --- predict ---

var predictCmd = &cobra.Command{
	Use:   "predict <page>",
	Short: "Show the predicted next pages (warms the cache on a miss)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}
		p, err := fetchPrediction(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		return printJSON(p)
	},
}

func fetchPrediction(ctx context.Context, client *apiClient, page string) (predict.Prediction, error) {
	resp, err := client.get(ctx, "/predict?currentPage="+url.QueryEscape(page))
	if err != nil {
		return predict.Prediction{}, err
	}

	var p predict.Prediction
	if err := decodeJSON(resp, &p); err != nil {
		return predict.Prediction{}, err
	}
	return p, nil
}

func init() {
	addUserFlag(predictCmd)
}

// --- warm ---

var warmCmd = &cobra.Command{
	Use:   "warm <page> [page...]",
	Short: "Recompute and cache predictions for one or more pages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}

		results, err := runWarm(cmd.Context(), client, args)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.CacheWarmed {
				printSuccess("%s: %s", r.CurrentPage, strings.Join(r.WarmedPages, ", "))
			} else {
				printWarning("%s: no navigation data, nothing cached", r.CurrentPage)
			}
		}
		return nil
	},
}

func runWarm(ctx context.Context, client *apiClient, pages []string) ([]predict.WarmResult, error) {
	if len(pages) == 1 {
		resp, err := client.post(ctx, "/warm-cache", map[string]string{"currentPage": pages[0]})
		if err != nil {
			return nil, err
		}
		var r predict.WarmResult
		if err := decodeJSON(resp, &r); err != nil {
			return nil, err
		}
		return []predict.WarmResult{r}, nil
	}

	resp, err := client.post(ctx, "/warm-cache/batch", map[string][]string{"pages": pages})
	if err != nil {
		return nil, err
	}
	var results []predict.WarmResult
	if err := decodeJSON(resp, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func init() {
	addUserFlag(warmCmd)
}

// --- hit ---

var hitCmd = &cobra.Command{
	Use:   "hit <current-page> <actual-next-page>",
	Short: "Score the cached prediction against the page actually opened",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/record-hit", map[string]string{
			"currentPage":    args[0],
			"actualNextPage": args[1],
		})
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded %s → %s", args[0], args[1])
		return nil
	},
}

func init() {
	addUserFlag(hitCmd)
}

// --- accuracy ---

var accuracyCmd = &cobra.Command{
	Use:   "accuracy",
	Short: "Show prediction accuracy for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := clientFor(cmd)
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/accuracy")
		if err != nil {
			return err
		}
		var stats predict.AccuracyStats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Cached predictions", "%d", stats.TotalPredictions)
		printStatus("Hits", "%d", stats.Hits)
		printStatus("Misses", "%d", stats.Misses)
		printStatus("Accuracy", "%d%%", stats.Accuracy)
		return nil
	},
}

func init() {
	addUserFlag(accuracyCmd)
}

// --- patterns ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List a user's most recent navigation patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := clientFor(cmd)
		if err != nil {
			return err
		}

		path := "/patterns"
		if limit > 0 {
			path = fmt.Sprintf("/patterns?limit=%d", limit)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var patterns []storage.NavigationPattern
		if err := decodeJSON(resp, &patterns); err != nil {
			return err
		}

		if len(patterns) == 0 {
			printWarning("No patterns recorded")
			return nil
		}
		for _, p := range patterns {
			fmt.Fprintf(stdout, "  %s → %s  %s  avg %ds  last %s\n",
				p.FromPage, p.ToPage,
				colorize(colorBold, fmt.Sprintf("×%d", p.TransitionCount)),
				p.AvgTimeOnPage,
				p.LastTransitionAt.Format("2006-01-02 15:04"),
			)
		}
		return nil
	},
}

func init() {
	addUserFlag(patternsCmd)
	patternsCmd.Flags().Int("limit", 0, "maximum number of patterns (server default when 0)")
}

// --- clean ---

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete expired cached predictions for all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(0)
		if err != nil {
			return err
		}

		n, err := runClean(cmd.Context(), client)
		if err != nil {
			return err
		}

		printSuccess("Deleted %d expired entries", n)
		return nil
	},
}

func runClean(ctx context.Context, client *apiClient) (int, error) {
	resp, err := client.delete(ctx, "/clean-cache")
	if err != nil {
		return 0, err
	}
	var result struct {
		DeletedCount int `json:"deletedCount"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
