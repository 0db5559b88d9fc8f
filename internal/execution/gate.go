// Package execution implements the Risk-Validating Execution Gate: the
// sole authority for admitting, tracking, and closing positions.
package execution

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mreversal/sentryline/internal/broker"
	"github.com/mreversal/sentryline/internal/journal"
	"github.com/mreversal/sentryline/internal/models"
	"github.com/mreversal/sentryline/internal/session"
	"github.com/mreversal/sentryline/internal/telemetry"
	"github.com/mreversal/sentryline/internal/util"
)

// Config enumerates every admission and trailing-stop parameter the
// Execution Gate is driven by.
type Config struct {
	MaxRiskPerTrade     float64
	MaxPortfolioRisk    float64
	MaxOpenPositions    int
	MinStopDistancePct  float64
	MaxStopDistancePct  float64
	TrailingDistancePct float64
	TrailingCheckPeriod time.Duration
	AllowExecution      bool
	RequirePaperMode    bool
	SymbolWhitelist     map[string]bool
	PriceTick           float64
}

// DefaultConfig matches the specification's stated defaults.
var DefaultConfig = Config{
	MaxRiskPerTrade:     0.01,
	MaxPortfolioRisk:    0.03,
	MaxOpenPositions:    10,
	MinStopDistancePct:  0.005,
	MaxStopDistancePct:  0.10,
	TrailingDistancePct: 0.02,
	TrailingCheckPeriod: 60 * time.Second,
	AllowExecution:      true,
	RequirePaperMode:    false,
	PriceTick:           0.01,
}

// trailingDeadBandBps is the minimum stop improvement, expressed as a
// fraction of entry price, required before the trailing-stop loop will
// act. Matches the specification's default of 1 basis point of entry.
const trailingDeadBandBps = 0.0001

// Signal is a proposed trade awaiting an admission decision.
type Signal struct {
	Symbol      string
	ContractID  string
	Side        models.Side
	EntryPrice  float64
	StopPrice   float64
	TargetPrice float64

	// Paper reports whether the account the signal would be placed
	// against is a simulated (paper) account, per the broker's own
	// AccountSnapshot. Required to enforce RequirePaperMode.
	Paper bool
}

// Gate is the single authority for opening, tracking, and closing
// positions. All order flow passes through it.
type Gate struct {
	cfg     Config
	session *session.Manager
	journal *journal.Store
	logger  *log.Logger
	metrics *telemetry.Metrics

	mu        sync.RWMutex
	positions map[string]*models.Position // keyed by Position.ID
	bySymbol  map[string][]string         // symbol -> open position IDs

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewGate constructs a Gate. journalStore may be nil, in which case
// audit writes are skipped.
func NewGate(sess *session.Manager, journalStore *journal.Store, cfg Config, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(os.Stderr, "execution: ", log.LstdFlags)
	}
	if cfg.TrailingCheckPeriod <= 0 {
		cfg.TrailingCheckPeriod = DefaultConfig.TrailingCheckPeriod
	}
	if cfg.PriceTick <= 0 {
		cfg.PriceTick = DefaultConfig.PriceTick
	}
	return &Gate{
		cfg:       cfg,
		session:   sess,
		journal:   journalStore,
		logger:    logger,
		positions: make(map[string]*models.Position),
		bySymbol:  make(map[string][]string),
		stopCh:    make(chan struct{}),
	}
}

// SetMetrics attaches a telemetry sink. Safe to call once before the
// Gate is exercised by concurrent goroutines.
func (g *Gate) SetMetrics(metrics *telemetry.Metrics) {
	g.metrics = metrics
}

// Admit runs the seven-step admission algorithm against a proposed
// signal and account state. It never returns an error: the result is
// always an Accept or a Reject value.
func (g *Gate) Admit(signal Signal, accountEquity float64) models.AdmissionDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Step 1: global guards.
	if !g.cfg.AllowExecution {
		return g.reject(models.RejectDisabled, signal.Symbol)
	}
	if g.cfg.RequirePaperMode && !signal.Paper {
		return g.reject(models.RejectLiveNotAllowed, signal.Symbol)
	}
	if len(g.cfg.SymbolWhitelist) > 0 && !g.cfg.SymbolWhitelist[signal.Symbol] {
		return g.reject(models.RejectNotWhitelisted, signal.Symbol)
	}

	// Step 2: stop-direction check.
	switch signal.Side {
	case models.SideLong:
		if signal.StopPrice >= signal.EntryPrice {
			return g.reject(models.RejectStopDirection, signal.Symbol)
		}
	case models.SideShort:
		if signal.StopPrice <= signal.EntryPrice {
			return g.reject(models.RejectStopDirection, signal.Symbol)
		}
	}

	// Step 3: stop-distance check.
	distance := absf(signal.EntryPrice-signal.StopPrice) / signal.EntryPrice
	if distance < g.cfg.MinStopDistancePct || distance > g.cfg.MaxStopDistancePct {
		return g.reject(models.RejectStopDistance, signal.Symbol)
	}

	// Step 4: size from per-trade risk budget.
	perShareRisk := absf(signal.EntryPrice - signal.StopPrice)
	budget := accountEquity * g.cfg.MaxRiskPerTrade
	size := int(budget / perShareRisk)
	if size < 1 {
		return g.reject(models.RejectSizeZero, signal.Symbol)
	}
	riskDollars := float64(size) * perShareRisk

	// Step 5: portfolio-risk check.
	openRisk := g.openRiskLocked()
	if openRisk+riskDollars > accountEquity*g.cfg.MaxPortfolioRisk {
		return g.reject(models.RejectPortfolioRisk, signal.Symbol)
	}

	// Step 6: position count check.
	if len(g.positions) >= g.cfg.MaxOpenPositions {
		return g.reject(models.RejectPositionCountLimit, signal.Symbol)
	}

	// Step 7: admit.
	pos := &models.Position{
		ID:          uuid.NewString(),
		Symbol:      signal.Symbol,
		Side:        signal.Side,
		Quantity:    size,
		EntryPrice:  signal.EntryPrice,
		EntryTime:   time.Now().UTC(),
		StopPrice:   signal.StopPrice,
		TargetPrice: signal.TargetPrice,
		Status:      models.PositionOpen,
	}
	g.positions[pos.ID] = pos
	g.bySymbol[pos.Symbol] = append(g.bySymbol[pos.Symbol], pos.ID)
	g.recordEntry("admission", signal.Symbol, fmt.Sprintf("accepted size=%d risk=%.2f", size, riskDollars))
	g.snapshotLocked()
	if g.metrics != nil {
		g.metrics.AdmissionDecisions.WithLabelValues("accept").Inc()
	}

	return models.Accept(pos.ID, size, riskDollars)
}

func (g *Gate) reject(reason models.RejectKind, symbol string) models.AdmissionDecision {
	g.recordEntry("admission", symbol, fmt.Sprintf("rejected reason=%s", reason))
	if g.metrics != nil {
		g.metrics.AdmissionDecisions.WithLabelValues(string(reason)).Inc()
	}
	return models.Reject(reason)
}

func (g *Gate) openRiskLocked() float64 {
	var total float64
	for _, p := range g.positions {
		total += p.RiskDollars()
	}
	return total
}

func (g *Gate) recordEntry(kind, symbol, message string) {
	if g.journal == nil {
		return
	}
	if err := g.journal.RecordEntry(kind, symbol, message); err != nil {
		g.logger.Printf("journal write failed: %v", err)
	}
}

func (g *Gate) snapshotLocked() {
	if g.metrics != nil {
		g.metrics.OpenPositions.Set(float64(len(g.positions)))
		g.metrics.PortfolioRiskDollars.Set(g.openRiskLocked())
	}
	if g.journal == nil {
		return
	}
	snap := make([]models.Position, 0, len(g.positions))
	for _, p := range g.positions {
		snap = append(snap, *p)
	}
	if err := g.journal.SnapshotPositions(snap); err != nil {
		g.logger.Printf("position snapshot failed: %v", err)
	}
}

// PlaceAdmitted submits an admitted signal's bracket order through the
// session, rolling the Position back on broker-side rejection.
func (g *Gate) PlaceAdmitted(ctx context.Context, positionID string, decision models.AdmissionDecision, signal Signal) error {
	if !decision.Accepted {
		return fmt.Errorf("cannot place a rejected signal")
	}
	order := broker.Order{
		Symbol: signal.Symbol, ContractID: signal.ContractID, Side: signal.Side, Quantity: decision.Size,
		EntryPrice: signal.EntryPrice, StopPrice: signal.StopPrice, TargetPrice: signal.TargetPrice,
	}
	ack, err := g.session.PlaceOrder(ctx, order)
	if err != nil {
		g.rollback(positionID)
		return fmt.Errorf("PlacementFailed: %w", err)
	}
	g.setOrderID(positionID, ack.OrderID)
	return nil
}

func (g *Gate) setOrderID(positionID, orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if pos, ok := g.positions[positionID]; ok {
		pos.OrderID = orderID
	}
}

func (g *Gate) rollback(positionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok := g.positions[positionID]
	if !ok {
		return
	}
	delete(g.positions, positionID)
	g.bySymbol[pos.Symbol] = removeID(g.bySymbol[pos.Symbol], positionID)
	g.recordEntry("rollback", pos.Symbol, "position rolled back after broker rejection")
	g.snapshotLocked()
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// CancelOpenOrders cancels the working order behind every open position
// that has one, for use during an orderly shutdown. Positions are left
// open in memory until Close is called for them.
func (g *Gate) CancelOpenOrders(ctx context.Context) {
	g.mu.RLock()
	orderIDs := make([]string, 0, len(g.positions))
	for _, p := range g.positions {
		if p.OrderID != "" {
			orderIDs = append(orderIDs, p.OrderID)
		}
	}
	g.mu.RUnlock()

	for _, id := range orderIDs {
		if err := g.session.CancelOrder(ctx, id); err != nil {
			g.logger.Printf("cancel order %s failed: %v", id, err)
		}
	}
}

// OnCompletedBar updates current_price, unrealized P&L, MAE, and MFE
// for every open position on symbol. It is meant to be registered as
// an aggregator OnComplete callback.
func (g *Gate) OnCompletedBar(symbol string, bar models.Bar) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.bySymbol[symbol] {
		pos, ok := g.positions[id]
		if !ok || pos.Status != models.PositionOpen {
			continue
		}
		pos.CurrentPrice = bar.Close
		pnl := pos.SignedPnL(bar.Close)
		pos.UnrealizedPnL = pnl
		if pnl < pos.MAE {
			pos.MAE = pnl
		}
		if pnl > pos.MFE {
			pos.MFE = pnl
		}
	}
}

// OpenPositions returns a read-only snapshot of every open position.
func (g *Gate) OpenPositions() []models.Position {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	return out
}

// StartTrailingLoop runs the trailing-stop scan every
// TrailingCheckPeriod until ctx is cancelled or Stop is called.
func (g *Gate) StartTrailingLoop(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.TrailingCheckPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.scanTrailingStops(ctx)
			}
		}
	}()
}

// Stop halts the trailing-stop loop.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *Gate) scanTrailingStops(ctx context.Context) {
	// Session loss during an active position does NOT auto-close; the
	// trailing loop simply defers updates until the session recovers.
	if g.session != nil && g.session.RequireConnected() != nil {
		return
	}

	g.mu.Lock()
	candidates := make([]*models.Position, 0, len(g.positions))
	for _, p := range g.positions {
		if p.Status == models.PositionOpen && p.CurrentPrice > 0 {
			candidates = append(candidates, p)
		}
	}
	g.mu.Unlock()

	for _, pos := range candidates {
		g.trailOne(ctx, pos)
	}
}

func (g *Gate) trailOne(ctx context.Context, pos *models.Position) {
	deadBand := pos.EntryPrice * trailingDeadBandBps

	var candidate float64
	var improves bool
	switch pos.Side {
	case models.SideLong:
		candidate = util.RoundToTick(pos.CurrentPrice*(1-g.cfg.TrailingDistancePct), g.cfg.PriceTick)
		improves = candidate > pos.StopPrice && (candidate-pos.StopPrice) > deadBand
	case models.SideShort:
		candidate = util.RoundToTick(pos.CurrentPrice*(1+g.cfg.TrailingDistancePct), g.cfg.PriceTick)
		improves = candidate < pos.StopPrice && (pos.StopPrice-candidate) > deadBand
	}
	if !improves {
		return
	}

	prior := pos.StopPrice
	if g.session != nil {
		if err := g.session.ModifyStop(ctx, pos.OrderID, candidate); err != nil {
			g.logger.Printf("trailing stop update for %s failed: %v", pos.Symbol, err)
			return
		}
	}

	g.mu.Lock()
	if live, ok := g.positions[pos.ID]; ok {
		live.StopPrice = candidate
	}
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.TrailingStopMoves.Inc()
	}
	g.recordEntry("trailing_stop", pos.Symbol, fmt.Sprintf("stop moved %.4f -> %.4f", prior, candidate))
}

// Close converts an open Position into a TradeRecord with realized P&L,
// final MAE/MFE, and the given exit reason. The open set and portfolio
// risk are decremented atomically with the journal append.
func (g *Gate) Close(positionID string, exitPrice float64, exitTime time.Time, reason models.ExitReason, commission float64) (models.TradeRecord, error) {
	g.mu.Lock()
	pos, ok := g.positions[positionID]
	if !ok {
		g.mu.Unlock()
		return models.TradeRecord{}, fmt.Errorf("unknown position %s", positionID)
	}
	pos.Status = models.PositionClosed
	pos.ExitPrice = exitPrice
	pos.ExitTime = exitTime
	pos.ExitReason = reason
	pnl := pos.SignedPnL(exitPrice)
	if pnl < pos.MAE {
		pos.MAE = pnl
	}
	if pnl > pos.MFE {
		pos.MFE = pnl
	}
	snapshot := *pos
	delete(g.positions, positionID)
	g.bySymbol[pos.Symbol] = removeID(g.bySymbol[pos.Symbol], positionID)
	trade := models.NewTradeRecord(uuid.NewString(), snapshot, commission)
	if g.journal != nil {
		if err := g.journal.RecordTrade(trade); err != nil {
			g.logger.Printf("journal trade write failed: %v", err)
		}
	}
	g.snapshotLocked()
	g.mu.Unlock()

	g.recordEntry("close", snapshot.Symbol, fmt.Sprintf("closed reason=%s pnl=%.2f", reason, trade.RealizedPnL))
	return trade, nil
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
