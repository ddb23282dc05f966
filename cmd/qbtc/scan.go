package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"qbtc-market/internal/scanner"

	"github.com/spf13/cobra"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Take one market snapshot and print the ranked opportunities",
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	addFormatFlag(scanCmd)
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", time.Minute, "timeout for the snapshot")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := checkFormat(); err != nil {
		return err
	}
	a, _, log, err := newOneShotApp()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()
	report, err := a.ScanOnce(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if outFormat == "json" {
		return writeJSON(os.Stdout, report)
	}
	return printReport(os.Stdout, report)
}

func printReport(out io.Writer, report scanner.Report) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SYMBOL\tDIR\tSCORE\tENTRY\tSTOP\tTARGET\t24H%%\tQUOTE VOL\tFUNDING%%\tPRIORITY\tRISK\n")
	for _, o := range report.Opportunities {
		fmt.Fprintf(w, "%s\t%s\t%.3f\t%g\t%g\t%g\t%+.2f\t%.0f\t%+.4f\t%s\t%s\n",
			o.Symbol, o.Direction, o.Score, o.Entry, o.StopLoss, o.TakeProfit,
			o.ChangePct, o.QuoteVolume, o.FundingRate*100, o.Priority, o.Risk)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	s := report.Summary
	_, err := fmt.Fprintf(out, "\nscanned %d, %d opportunities (%d long, %d short), average score %.3f\n",
		s.Scanned, s.Total, s.Long, s.Short, s.AverageScore)
	return err
}
