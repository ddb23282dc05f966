package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"qbtc-market/internal/binance/rest"

	"github.com/spf13/cobra"
)

var probeTimeout time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check connectivity, clock skew and weight usage for both markets",
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	addFormatFlag(probeCmd)
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "timeout per market")
}

type probeResult struct {
	Market     rest.Market `json:"market"`
	OK         bool        `json:"ok"`
	LatencyMS  int64       `json:"latency_ms"`
	ServerTime time.Time   `json:"server_time"`
	SkewMS     int64       `json:"skew_ms"`
	UsedWeight int         `json:"used_weight_1m"`
	Breaker    string      `json:"breaker"`
	Error      string      `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	if err := checkFormat(); err != nil {
		return err
	}
	a, _, log, err := newOneShotApp()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	defer a.Close()

	client := a.Rest()
	var results []probeResult
	failed := 0
	for _, m := range []rest.Market{rest.Spot, rest.Futures} {
		res := probe(cmd.Context(), client, m, probeTimeout)
		if !res.OK {
			failed++
		}
		results = append(results, res)
	}
	if outFormat == "json" {
		if err := writeJSON(os.Stdout, results); err != nil {
			return err
		}
	} else if err := printProbe(os.Stdout, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d markets unreachable", failed, len(results))
	}
	return nil
}

func probe(ctx context.Context, client *rest.Client, m rest.Market, timeout time.Duration) probeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res := probeResult{Market: m}
	start := time.Now()
	if err := client.Ping(ctx, m); err != nil {
		res.Error = err.Error()
	} else {
		res.LatencyMS = time.Since(start).Milliseconds()
		before := time.Now()
		serverTime, err := client.ServerTime(ctx, m)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
			res.ServerTime = serverTime
			local := before.Add(time.Since(before) / 2)
			res.SkewMS = serverTime.Sub(local).Milliseconds()
		}
	}
	res.UsedWeight = client.UsedWeight(m)
	res.Breaker = client.BreakerState(m)
	return res
}

func printProbe(out io.Writer, results []probeResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "MARKET\tSTATUS\tLATENCY\tSKEW\tWEIGHT 1M\tBREAKER\tERROR\n")
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "FAIL"
		}
		errText := r.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%dms\t%dms\t%d\t%s\t%s\n", r.Market, status, r.LatencyMS, r.SkewMS, r.UsedWeight, r.Breaker, errText)
	}
	return w.Flush()
}
