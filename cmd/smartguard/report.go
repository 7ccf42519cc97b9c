package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"smartguard/pkg/classifier"
	"smartguard/pkg/config"
	"smartguard/pkg/storage"
)

// runReport prints a household activity summary from the event database.
func runReport(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(w)
	configPath := fs.String("config", "config.yml", "Path to configuration file")
	since := fs.Duration("since", 24*time.Hour, "Reporting window ending now")
	limit := fs.Int("limit", 10, "Rows per section")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Storage.Enabled {
		return errors.New("storage is disabled in config; nothing to report")
	}

	store, err := storage.New(&cfg.Storage, nil)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return printReport(ctx, w, store, time.Now().Add(-*since), *limit)
}

func printReport(ctx context.Context, w io.Writer, store storage.Storage, since time.Time, limit int) error {
	stats, err := store.GetStatistics(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load statistics: %w", err)
	}
	top, err := store.GetTopDomains(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load top domains: %w", err)
	}
	devices, err := store.GetDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	verdicts, err := store.ListVerdicts(ctx, limit, 0)
	if err != nil {
		return fmt.Errorf("failed to load verdicts: %w", err)
	}

	fmt.Fprintln(w, "SmartGuard Activity Report")
	fmt.Fprintln(w, "==========================")
	fmt.Fprintf(w, "Window: %s to %s\n\n", stats.Since.Local().Format(time.DateTime), stats.Until.Local().Format(time.DateTime))

	fmt.Fprintln(w, "Queries:")
	fmt.Fprintf(w, "  Total:          %s\n", formatNumber(stats.TotalQueries))
	fmt.Fprintf(w, "  Unique domains: %s\n", formatNumber(stats.UniqueDomains))
	fmt.Fprintf(w, "  Unique clients: %s\n", formatNumber(stats.UniqueClients))
	fmt.Fprintf(w, "  Parse failures: %s\n", formatNumber(stats.ParseFailures))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "By category:")
	categories := make([]string, 0, len(stats.ByCategory))
	for c := range stats.ByCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		return stats.ByCategory[categories[i]] > stats.ByCategory[categories[j]] ||
			(stats.ByCategory[categories[i]] == stats.ByCategory[categories[j]] && categories[i] < categories[j])
	})
	for _, c := range categories {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", c, riskOf(c), formatNumber(stats.ByCategory[c]))
	}
	if len(categories) == 0 {
		fmt.Fprintln(tw, "  (no queries)")
	}
	_ = tw.Flush()
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Top domains:")
	for i, d := range top {
		category := d.Category
		if category == "" {
			category = storage.Unclassified
		}
		fmt.Fprintf(tw, "  %d.\t%s\t%s\t%s\n", i+1, d.Domain, category, formatNumber(d.QueryCount))
	}
	if len(top) == 0 {
		fmt.Fprintln(tw, "  (none)")
	}
	_ = tw.Flush()
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Devices:")
	for _, d := range devices {
		fmt.Fprintf(tw, "  %s\t%s queries\tlast seen %s\n", d.IPAddress, formatNumber(d.QueryCount), d.LastSeen.Local().Format(time.DateTime))
	}
	if len(devices) == 0 {
		fmt.Fprintln(tw, "  (none)")
	}
	_ = tw.Flush()
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Recent classifications:")
	for _, v := range verdicts {
		fmt.Fprintf(tw, "  %s\t%s\t%s/%s\t%.2f\n", v.Domain, v.Category, v.RiskLevel, v.Color, v.Confidence)
	}
	if len(verdicts) == 0 {
		fmt.Fprintln(tw, "  (none)")
	}
	return tw.Flush()
}

// riskOf labels a category bucket; unclassified events carry no risk.
func riskOf(category string) string {
	if category == storage.Unclassified {
		return "-"
	}
	return classifier.Category(category).RiskLevel()
}

// formatNumber formats a number with thousand separators
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(c)
	}
	return result.String()
}
