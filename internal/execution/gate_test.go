package execution

import (
	"testing"
	"time"

	"github.com/mreversal/sentryline/internal/models"
)

func closeEnough(a, b, tol float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}

// TestGate_S2_AdmissionAccept implements scenario S2.
func TestGate_S2_AdmissionAccept(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 50, StopPrice: 49}, 100000)
	if !decision.Accepted {
		t.Fatalf("expected accept, got reject %s", decision.Reason)
	}
	if decision.Size != 100 {
		t.Fatalf("expected size 100, got %d", decision.Size)
	}
	if !closeEnough(decision.RiskDollars, 100, 0.001) {
		t.Fatalf("expected risk_dollars 100, got %v", decision.RiskDollars)
	}
	fraction := g.openRiskLockedForTest() / 100000
	if !closeEnough(fraction, 0.001, 1e-9) {
		t.Fatalf("expected portfolio-risk fraction 0.001, got %v", fraction)
	}
}

// openRiskLockedForTest exposes openRiskLocked for assertions without
// widening the package's public surface.
func (g *Gate) openRiskLockedForTest() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var total float64
	for _, p := range g.positions {
		total += p.RiskDollars()
	}
	return total
}

// TestGate_S3_AdmissionRejectOnPortfolio implements scenario S3.
func TestGate_S3_AdmissionRejectOnPortfolio(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)

	// Seed existing open positions summing to $2950 risk directly.
	g.positions["seed"] = &models.Position{
		ID: "seed", Symbol: "MSFT", Side: models.SideLong, Quantity: 2950,
		EntryPrice: 101, StopPrice: 100, Status: models.PositionOpen,
	}

	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 100, StopPrice: 99}, 100000)
	if decision.Accepted {
		t.Fatalf("expected reject, got accept %+v", decision)
	}
	if decision.Reason != models.RejectPortfolioRisk {
		t.Fatalf("expected RejectPortfolioRisk, got %s", decision.Reason)
	}
}

// TestGate_S4_StopDistanceReject implements scenario S4.
func TestGate_S4_StopDistanceReject(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 100, StopPrice: 99.80}, 100000)
	if decision.Accepted {
		t.Fatalf("expected reject, got accept %+v", decision)
	}
	if decision.Reason != models.RejectStopDistance {
		t.Fatalf("expected RejectStopDistance, got %s", decision.Reason)
	}
}

// TestGate_S5_TrailingMonotonicity implements scenario S5.
func TestGate_S5_TrailingMonotonicity(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	pos := &models.Position{
		ID: "p1", Symbol: "AAPL", Side: models.SideLong, Quantity: 10,
		EntryPrice: 100, StopPrice: 98, Status: models.PositionOpen,
	}
	g.positions[pos.ID] = pos
	g.bySymbol[pos.Symbol] = []string{pos.ID}

	prices := []float64{105, 103, 106}
	wantStops := []float64{102.90, 102.90, 103.88}

	for i, price := range prices {
		pos.CurrentPrice = price
		g.trailOne(nil, pos)
		if !closeEnough(pos.StopPrice, wantStops[i], 0.001) {
			t.Fatalf("after price %v: stop = %v, want %v", price, pos.StopPrice, wantStops[i])
		}
	}
}

// TestGate_Invariant3_PortfolioRiskNeverExceedsCap exercises invariant 3
// across a sequence of admissions.
func TestGate_Invariant3_PortfolioRiskNeverExceedsCap(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxOpenPositions = 100
	g := NewGate(nil, nil, cfg, nil)
	equity := 100000.0

	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, sym := range symbols {
		decision := g.Admit(Signal{Symbol: sym, Side: models.SideLong, EntryPrice: 50, StopPrice: 49}, equity)
		openRisk := g.openRiskLockedForTest()
		if openRisk > equity*cfg.MaxPortfolioRisk+1e-9 {
			t.Fatalf("portfolio risk %v exceeded cap %v after admitting %s (accepted=%v)",
				openRisk, equity*cfg.MaxPortfolioRisk, sym, decision.Accepted)
		}
		if len(g.OpenPositions()) > cfg.MaxOpenPositions {
			t.Fatalf("open position count exceeded cap")
		}
	}
}

// TestGate_Invariant4_PerTradeRiskNeverExceedsCap exercises invariant 4.
func TestGate_Invariant4_PerTradeRiskNeverExceedsCap(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	equity := 50000.0
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 200, StopPrice: 190}, equity)
	if !decision.Accepted {
		t.Fatalf("expected accept, got reject %s", decision.Reason)
	}
	cap := equity * DefaultConfig.MaxRiskPerTrade
	if decision.RiskDollars > cap+1e-9 {
		t.Fatalf("risk_dollars %v exceeded per-trade cap %v", decision.RiskDollars, cap)
	}
}

// TestGate_Invariant5_StopMonotonicity exercises invariant 5 for both
// sides across an adverse-then-favorable price path.
func TestGate_Invariant5_StopMonotonicity(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	long := &models.Position{ID: "long", Symbol: "LQ", Side: models.SideLong, Quantity: 1, EntryPrice: 100, StopPrice: 98, Status: models.PositionOpen}
	short := &models.Position{ID: "short", Symbol: "SH", Side: models.SideShort, Quantity: 1, EntryPrice: 100, StopPrice: 102, Status: models.PositionOpen}
	g.positions[long.ID] = long
	g.positions[short.ID] = short

	longPrices := []float64{105, 101, 108, 90}
	var lastLongStop float64 = long.StopPrice
	for _, p := range longPrices {
		long.CurrentPrice = p
		g.trailOne(nil, long)
		if long.StopPrice < lastLongStop {
			t.Fatalf("long stop decreased: %v -> %v", lastLongStop, long.StopPrice)
		}
		lastLongStop = long.StopPrice
	}

	shortPrices := []float64{95, 99, 90, 110}
	var lastShortStop float64 = short.StopPrice
	for _, p := range shortPrices {
		short.CurrentPrice = p
		g.trailOne(nil, short)
		if short.StopPrice > lastShortStop {
			t.Fatalf("short stop increased: %v -> %v", lastShortStop, short.StopPrice)
		}
		lastShortStop = short.StopPrice
	}
}

func TestGate_Admit_RejectsWhenDisabled(t *testing.T) {
	cfg := DefaultConfig
	cfg.AllowExecution = false
	g := NewGate(nil, nil, cfg, nil)
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 50, StopPrice: 49}, 100000)
	if decision.Accepted || decision.Reason != models.RejectDisabled {
		t.Fatalf("expected RejectDisabled, got %+v", decision)
	}
}

func TestGate_Admit_RejectsNotWhitelisted(t *testing.T) {
	cfg := DefaultConfig
	cfg.SymbolWhitelist = map[string]bool{"MSFT": true}
	g := NewGate(nil, nil, cfg, nil)
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 50, StopPrice: 49}, 100000)
	if decision.Accepted || decision.Reason != models.RejectNotWhitelisted {
		t.Fatalf("expected RejectNotWhitelisted, got %+v", decision)
	}
}

func TestGate_Admit_RejectsLiveWhenPaperRequired(t *testing.T) {
	cfg := DefaultConfig
	cfg.RequirePaperMode = true
	g := NewGate(nil, nil, cfg, nil)
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 50, StopPrice: 49, Paper: false}, 100000)
	if decision.Accepted || decision.Reason != models.RejectLiveNotAllowed {
		t.Fatalf("expected RejectLiveNotAllowed, got %+v", decision)
	}

	decision = g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 50, StopPrice: 49, Paper: true}, 100000)
	if !decision.Accepted {
		t.Fatalf("expected accept for a paper signal, got reject %s", decision.Reason)
	}
}

func TestGate_Admit_RejectsWrongStopDirection(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	decision := g.Admit(Signal{Symbol: "AAPL", Side: models.SideLong, EntryPrice: 50, StopPrice: 51}, 100000)
	if decision.Accepted || decision.Reason != models.RejectStopDirection {
		t.Fatalf("expected RejectStopDirection, got %+v", decision)
	}
}

func TestGate_Admit_RejectsPositionCountLimit(t *testing.T) {
	cfg := DefaultConfig
	cfg.MaxOpenPositions = 1
	cfg.MaxPortfolioRisk = 1.0
	g := NewGate(nil, nil, cfg, nil)
	first := g.Admit(Signal{Symbol: "AAA", Side: models.SideLong, EntryPrice: 50, StopPrice: 49}, 1000000)
	if !first.Accepted {
		t.Fatalf("expected first admission to succeed, got %+v", first)
	}
	second := g.Admit(Signal{Symbol: "BBB", Side: models.SideLong, EntryPrice: 50, StopPrice: 49}, 1000000)
	if second.Accepted || second.Reason != models.RejectPositionCountLimit {
		t.Fatalf("expected RejectPositionCountLimit, got %+v", second)
	}
}

func TestGate_OnCompletedBar_UpdatesPnLAndMAEMFE(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	pos := &models.Position{ID: "p1", Symbol: "AAPL", Side: models.SideLong, Quantity: 10, EntryPrice: 100, StopPrice: 98, Status: models.PositionOpen}
	g.positions[pos.ID] = pos
	g.bySymbol[pos.Symbol] = []string{pos.ID}

	g.OnCompletedBar("AAPL", models.Bar{Close: 95})
	if pos.UnrealizedPnL != -50 {
		t.Fatalf("expected pnl -50, got %v", pos.UnrealizedPnL)
	}
	if pos.MAE != -50 {
		t.Fatalf("expected MAE -50, got %v", pos.MAE)
	}

	g.OnCompletedBar("AAPL", models.Bar{Close: 110})
	if pos.UnrealizedPnL != 100 {
		t.Fatalf("expected pnl 100, got %v", pos.UnrealizedPnL)
	}
	if pos.MFE != 100 {
		t.Fatalf("expected MFE 100, got %v", pos.MFE)
	}
	if pos.MAE != -50 {
		t.Fatalf("expected MAE to remain -50, got %v", pos.MAE)
	}
}

func TestGate_Close_ProducesTradeRecordAndRemovesFromOpenSet(t *testing.T) {
	g := NewGate(nil, nil, DefaultConfig, nil)
	pos := &models.Position{ID: "p1", Symbol: "AAPL", Side: models.SideLong, Quantity: 10, EntryPrice: 100, StopPrice: 98, Status: models.PositionOpen}
	g.positions[pos.ID] = pos
	g.bySymbol[pos.Symbol] = []string{pos.ID}

	trade, err := g.Close(pos.ID, 105, time.Now().UTC(), models.ExitTarget, 1.0)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if trade.RealizedPnL != 49 { // (105-100)*10 - 1 commission
		t.Fatalf("expected realized pnl 49, got %v", trade.RealizedPnL)
	}
	if len(g.OpenPositions()) != 0 {
		t.Fatalf("expected open set to be empty after close")
	}
}
