package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mreversal/sentryline/internal/execution"
	"github.com/mreversal/sentryline/internal/indicator"
	"github.com/mreversal/sentryline/internal/models"
	"github.com/mreversal/sentryline/internal/util"
)

// defaultCycleInterval is how often the scheduler runs a full
// screening-to-admission cycle. It is a fixed process-wide value; neither
// the config nor the universe file overrides it.
const defaultCycleInterval = 5 * time.Minute

// entryATRMultiple sets the stop distance for a newly screened signal as
// a multiple of the coarse-timeframe ATR. The stop is not clamped: the
// admission algorithm rejects a signal whose stop distance falls outside
// the gate's configured bounds.
const entryATRMultiple = 1.5

// loadUniverse reads a newline-delimited symbol list. An empty path
// yields an empty universe (a valid, if inert, configuration).
func loadUniverse(path string) ([]models.SymbolMetadata, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	f, err := os.Open(path) // #nosec G304 -- path is an operator-provided CLI flag
	if err != nil {
		return nil, fmt.Errorf("opening universe file: %w", err)
	}
	defer f.Close()

	var universe []models.SymbolMetadata
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		sym := strings.TrimSpace(scanner.Text())
		if sym == "" || strings.HasPrefix(sym, "#") {
			continue
		}
		universe = append(universe, models.SymbolMetadata{Symbol: sym})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading universe file: %w", err)
	}
	return universe, nil
}

// runLoop drives the scheduler: an immediate cycle on start, then one
// every defaultCycleInterval until ctx is cancelled.
func (a *app) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(defaultCycleInterval)
	defer ticker.Stop()

	a.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle runs one screening pass and admits any qualifying signal that
// clears the Execution Gate, placing admitted orders through the session.
func (a *app) runCycle(ctx context.Context) {
	if err := a.session.RequireConnected(); err != nil {
		a.logger.Printf("skipping cycle: %v", err)
		return
	}
	if len(a.universe) == 0 {
		return
	}

	account, err := a.session.AccountSnapshot(ctx)
	if err != nil {
		a.logger.Printf("account snapshot failed: %v", err)
		return
	}

	watchlist, err := a.pipeline.Run(ctx, a.universe)
	if err != nil {
		a.logger.Printf("screening run failed: %v", err)
		return
	}
	a.logger.Printf("screening produced %d watchlist candidate(s)", len(watchlist))

	for _, candidate := range watchlist {
		a.considerScreened(ctx, candidate.Symbol, account.Equity, account.Paper)
	}
}

// considerScreened builds a proposed signal from the coarse-timeframe
// series and runs it through the Execution Gate.
func (a *app) considerScreened(ctx context.Context, symbol string, equity float64, paper bool) {
	coarse, err := a.store.Load(symbol, models.Timeframe(a.cfg.Screening.CoarseTF), time.Time{}, time.Time{})
	if err != nil || len(coarse) == 0 {
		return
	}
	atr := indicator.AverageTrueRangeLast(coarse, 14)
	if !atr.Available {
		return
	}

	entry := util.CeilToTick(coarse[len(coarse)-1].Close, a.cfg.Execution.PriceTick)
	stop := util.FloorToTick(entry-atr.V*entryATRMultiple, a.cfg.Execution.PriceTick)

	contractID, err := a.qualify(ctx, symbol)
	if err != nil {
		a.logger.Printf("qualify %s failed: %v", symbol, err)
		return
	}

	signal := execution.Signal{
		Symbol:     symbol,
		ContractID: contractID,
		Side:       models.SideLong,
		EntryPrice: entry,
		StopPrice:  stop,
		Paper:      paper,
	}
	decision := a.gate.Admit(signal, equity)
	if !decision.Accepted {
		a.logger.Printf("rejected %s: %s", symbol, decision.Reason)
		return
	}

	a.logger.Printf("admitted %s size=%d risk=$%.2f", symbol, decision.Size, decision.RiskDollars)
	if err := a.gate.PlaceAdmitted(ctx, decision.PositionID, decision, signal); err != nil {
		a.logger.Printf("placement failed for %s: %v", symbol, err)
	}
}

// qualify resolves symbol to the broker's contract identifier, caching
// the result for the life of the process. Every symbol must be
// qualified before it can be ordered.
func (a *app) qualify(ctx context.Context, symbol string) (string, error) {
	a.contractMu.Lock()
	if id, ok := a.contractIDs[symbol]; ok {
		a.contractMu.Unlock()
		return id, nil
	}
	a.contractMu.Unlock()

	meta, err := a.session.Qualify(ctx, symbol)
	if err != nil {
		return "", err
	}

	a.contractMu.Lock()
	a.contractIDs[symbol] = meta.ContractID
	a.contractMu.Unlock()
	return meta.ContractID, nil
}
