package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"qbtc-market/internal/market"

	"github.com/spf13/cobra"
)

var overlapQuote string

var overlapCmd = &cobra.Command{
	Use:   "overlap",
	Short: "Compare spot listings with trading perpetuals per universe tier",
	RunE:  runOverlap,
}

func init() {
	rootCmd.AddCommand(overlapCmd)
	addFormatFlag(overlapCmd)
	overlapCmd.Flags().StringVar(&overlapQuote, "quote", "", "quote asset (defaults to scanner.quote_asset)")
}

func runOverlap(cmd *cobra.Command, args []string) error {
	if err := checkFormat(); err != nil {
		return err
	}
	a, cfg, log, err := newOneShotApp()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer a.Close()

	quote := strings.ToUpper(strings.TrimSpace(overlapQuote))
	if quote == "" {
		quote = cfg.Scanner.QuoteAsset
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	report, err := a.Market().Overlap(ctx, a.Tiers(), quote)
	if err != nil {
		return fmt.Errorf("overlap: %w", err)
	}
	if outFormat == "json" {
		return writeJSON(os.Stdout, report)
	}
	return printOverlap(os.Stdout, report)
}

func printOverlap(out io.Writer, r market.OverlapReport) error {
	fmt.Fprintf(out, "quote %s: spot %d, futures %d, both %d, spot only %d, futures only %d, coverage %.1f%%\n",
		r.QuoteAsset, r.SpotTotal, r.FuturesTotal, r.Both, r.OnlySpot, r.OnlyFutures, r.Coverage*100)
	if len(r.Tiers) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "TIER\tSYMBOLS\tBOTH\tSPOT ONLY\tFUTURES ONLY\tMISSING\tCOVERAGE\n")
	for _, t := range r.Tiers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%.1f%%\n",
			t.Name, t.Symbols, len(t.Both), joinOrDash(t.OnlySpot), joinOrDash(t.OnlyFutures), joinOrDash(t.Missing), t.Coverage*100)
	}
	return w.Flush()
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
