package main

import (
	"context"

	"github.com/mreversal/sentryline/internal/broker"
	"github.com/mreversal/sentryline/internal/models"
)

// backfillAndStream seeds the historical bar store for every universe
// symbol, on both the fine (aggregator input) and coarse (screening
// input) timeframes, then opens a live 5-second bar subscription per
// symbol that feeds completed bars into the aggregator and persists
// them as they arrive. It returns once every subscription has been
// requested; the subscriptions keep delivering bars on their own
// goroutines after it returns.
func (a *app) backfillAndStream(ctx context.Context) {
	coarseTF := models.Timeframe(a.cfg.Screening.CoarseTF)
	for _, sym := range a.universe {
		a.backfillOne(ctx, sym.Symbol, coarseTF)
	}
	for _, sym := range a.universe {
		if err := a.subscribeOne(ctx, sym.Symbol); err != nil {
			a.logger.Printf("live subscription for %s failed: %v", sym.Symbol, err)
		}
	}
}

func (a *app) backfillOne(ctx context.Context, symbol string, coarseTF models.Timeframe) {
	for _, tf := range []models.Timeframe{models.TF5s, coarseTF} {
		bars, err := a.session.FetchHistory(ctx, symbol, tf, a.cfg.Storage.HistoryBackfillDuration)
		if err != nil {
			a.logger.Printf("history backfill for %s/%s failed: %v", symbol, tf, err)
			continue
		}
		if len(bars) == 0 {
			continue
		}
		if err := a.store.Save(symbol, tf, bars); err != nil {
			a.logger.Printf("saving backfilled bars for %s/%s failed: %v", symbol, tf, err)
		}
	}
}

func (a *app) subscribeOne(ctx context.Context, symbol string) error {
	var cb broker.LiveBarCallback = func(sym string, bar models.Bar) {
		if err := a.aggregator.AddFineBar(sym, bar); err != nil {
			a.logger.Printf("folding live bar for %s failed: %v", sym, err)
			return
		}
		if err := a.store.Save(sym, models.TF5s, []models.Bar{bar}); err != nil {
			a.logger.Printf("persisting live bar for %s failed: %v", sym, err)
		}
	}
	return a.session.SubscribeLive(ctx, symbol, cb)
}
