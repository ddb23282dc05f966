package app

import (
	"qbtc-market/internal/market"
	"qbtc-market/internal/timescale"
)

func (a *App) recordHistory(snap market.Snapshot) {
	if a.timescale == nil {
		return
	}
	quote := a.cfg.Scanner.QuoteAsset
	a.timescale.EnqueueTickers(timescale.TickerRows(snap, quote))
	a.timescale.EnqueueFunding(timescale.FundingRows(snap, quote))
}
