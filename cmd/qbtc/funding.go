package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"qbtc-market/internal/market"

	"github.com/spf13/cobra"
)

var fundingTop int

var fundingCmd = &cobra.Command{
	Use:   "funding",
	Short: "List perpetuals with the most extreme current funding rates",
	RunE:  runFunding,
}

func init() {
	rootCmd.AddCommand(fundingCmd)
	addFormatFlag(fundingCmd)
	fundingCmd.Flags().IntVar(&fundingTop, "top", 20, "number of symbols to show (0 for all)")
}

func runFunding(cmd *cobra.Command, args []string) error {
	if err := checkFormat(); err != nil {
		return err
	}
	if fundingTop < 0 {
		return fmt.Errorf("--top must be >= 0")
	}
	a, _, log, err := newOneShotApp()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	rates, _, err := a.Market().CurrentFunding(ctx)
	if err != nil {
		return fmt.Errorf("funding: %w", err)
	}
	rates = topFunding(rates, fundingTop)
	if outFormat == "json" {
		return writeJSON(os.Stdout, rates)
	}
	return printFunding(os.Stdout, rates)
}

// topFunding orders by absolute rate, largest first, and keeps n entries.
func topFunding(rates []market.Funding, n int) []market.Funding {
	out := append([]market.Funding(nil), rates...)
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Rate), math.Abs(out[j].Rate)
		if ai != aj {
			return ai > aj
		}
		return out[i].Symbol < out[j].Symbol
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func printFunding(out io.Writer, rates []market.Funding) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SYMBOL\tRATE%%\tANNUALIZED%%\tMARK\tNEXT FUNDING\n")
	for _, f := range rates {
		next := "-"
		if !f.NextFunding.IsZero() {
			next = f.NextFunding.UTC().Format(time.RFC3339)
		}
		// Three settlements a day.
		fmt.Fprintf(w, "%s\t%+.4f\t%+.2f\t%g\t%s\n", f.Symbol, f.Rate*100, f.Rate*3*365*100, f.MarkPrice, next)
	}
	return w.Flush()
}
