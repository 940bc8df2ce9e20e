// Package match runs competitions: the Coordinator drives one match's tick
// loop and settlement, the Manager owns the fleet rule that at most one
// match runs at a time.
package match

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"quote-arena/internal/blob"
	"quote-arena/internal/config"
	"quote-arena/internal/fold"
	"quote-arena/internal/rules"
	"quote-arena/internal/sim"
	"quote-arena/internal/store"
	"quote-arena/pkg/types"
)

// HistoryRingSize bounds the persisted balance-curve history.
const HistoryRingSize = 5

// StateBudgetBytes is the hard ceiling on serialized match state. The blob
// backend rejects larger values, so exceeding it silently loses state.
const StateBudgetBytes = 128 * 1024

// SnapshotProvider is the slice of the feed the coordinator needs.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, skipCache bool) types.Snapshot
}

// EventSink receives live match events for the streaming surface. Implemented
// by the api hub; a nil sink disables streaming.
type EventSink interface {
	MatchEvent(eventType string, data any)
}

// Entrant is one roster row: identity plus compiled strategy.
type Entrant struct {
	ID       string         `json:"id"`
	Owner    string         `json:"owner"`
	Name     string         `json:"name"`
	Strategy types.Strategy `json:"strategy"`
}

// matchState is the persisted form of a coordinator's mutable state.
type matchState struct {
	MatchID    string                    `json:"match_id"`
	Status     types.MatchStatus         `json:"status"`
	StartTs    time.Time                 `json:"start_ts"`
	EndTs      time.Time                 `json:"end_ts"`
	Roster     []Entrant                 `json:"roster"`
	Portfolios map[string]*sim.Portfolio `json:"portfolios"`
	History    []types.BalancePoint      `json:"history"`
	TickCount  int                       `json:"tick_count"`
}

// Coordinator runs one match. All mutable state is guarded by mu; the tick
// loop, admin calls, and read-only views all serialize through it.
type Coordinator struct {
	mu    sync.Mutex
	state matchState

	cfg     config.MatchConfig
	feed    SnapshotProvider
	blobs   blob.Store
	db      *store.Store
	events  EventSink
	logger  *slog.Logger
	timer   *time.Timer
	stopped bool

	// afterSettle runs once settlement has committed, outside the lock.
	afterSettle func(context.Context)

	// Injectable clock for tests.
	now func() time.Time
}

// NewCoordinator builds a coordinator for a pending match.
func NewCoordinator(matchID string, cfg config.MatchConfig, feed SnapshotProvider, blobs blob.Store, db *store.Store, events EventSink, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		state: matchState{
			MatchID:    matchID,
			Status:     types.MatchPending,
			Portfolios: make(map[string]*sim.Portfolio),
		},
		cfg:    cfg,
		feed:   feed,
		blobs:  blobs,
		db:     db,
		events: events,
		logger: logger.With("component", "coordinator", "match", matchID),
		now:    time.Now,
	}
}

func stateKey(matchID string) string { return "match-state:" + matchID }

// Start loads the roster, creates fresh portfolios, persists, and schedules
// the first tick.
func (c *Coordinator) Start(ctx context.Context, startTs, endTs time.Time) error {
	roster, err := c.db.Roster(c.state.MatchID)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status == types.MatchRunning {
		return fmt.Errorf("match %s already running", c.state.MatchID)
	}

	c.state.Status = types.MatchRunning
	c.state.StartTs = startTs
	c.state.EndTs = endTs
	c.state.Roster = c.state.Roster[:0]
	c.state.Portfolios = make(map[string]*sim.Portfolio, len(roster))

	for _, p := range roster {
		strat, err := p.DecodeStrategy()
		if err != nil {
			c.logger.Error("skipping participant with undecodable strategy", "participant", p.ID, "error", err)
			continue
		}
		c.state.Roster = append(c.state.Roster, Entrant{ID: p.ID, Owner: p.Owner, Name: p.Name, Strategy: strat})
		c.state.Portfolios[p.ID] = sim.NewPortfolio(p.ID)
	}
	sortRoster(c.state.Roster)

	if err := c.persistLocked(ctx); err != nil {
		return err
	}

	c.scheduleLocked(c.cfg.FirstTickDelay)
	c.logger.Info("match started", "participants", len(c.state.Roster), "ends", endTs)
	return nil
}

// Resume restores a running coordinator from its persisted state. Used at
// boot when the relational store says a match is mid-flight.
func (c *Coordinator) Resume(ctx context.Context) error {
	raw, ok, err := c.blobs.Get(ctx, stateKey(c.state.MatchID))
	if err != nil {
		return fmt.Errorf("read match state: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ok {
		var st matchState
		if err := json.Unmarshal(raw, &st); err != nil {
			return fmt.Errorf("decode match state: %w", err)
		}
		c.state = st
	} else {
		// Blob state lost: rebuild fresh portfolios from the roster. Progress
		// is gone but the match continues.
		c.logger.Warn("no persisted state, rebuilding from roster")
		roster, err := c.db.Roster(c.state.MatchID)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		m, err := c.db.GetMatch(c.state.MatchID)
		if err != nil {
			return fmt.Errorf("load match row: %w", err)
		}
		c.state.Status = types.MatchRunning
		c.state.StartTs = m.StartTs
		c.state.EndTs = m.EndTs
		for _, p := range roster {
			strat, derr := p.DecodeStrategy()
			if derr != nil {
				c.logger.Error("skipping participant with undecodable strategy", "participant", p.ID, "error", derr)
				continue
			}
			c.state.Roster = append(c.state.Roster, Entrant{ID: p.ID, Owner: p.Owner, Name: p.Name, Strategy: strat})
			c.state.Portfolios[p.ID] = sim.NewPortfolio(p.ID)
		}
		sortRoster(c.state.Roster)
	}

	c.scheduleLocked(c.cfg.FirstTickDelay)
	c.logger.Info("match resumed", "participants", len(c.state.Roster), "ticks", c.state.TickCount)
	return nil
}

// AddParticipant joins a participant mid-match. Picked up on the next tick.
func (c *Coordinator) AddParticipant(ctx context.Context, e Entrant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status != types.MatchRunning {
		return fmt.Errorf("match %s is %s, not running", c.state.MatchID, c.state.Status)
	}
	if _, exists := c.state.Portfolios[e.ID]; exists {
		return fmt.Errorf("participant %s already in match", e.ID)
	}

	c.state.Roster = append(c.state.Roster, e)
	sortRoster(c.state.Roster)
	c.state.Portfolios[e.ID] = sim.NewPortfolio(e.ID)

	c.logger.Info("participant joined", "participant", e.ID, "owner", e.Owner)
	return c.persistLocked(ctx)
}

// sortRoster orders by lowercase owner, then id: the stable execution order.
func sortRoster(roster []Entrant) {
	sort.SliceStable(roster, func(i, j int) bool {
		a, b := lower(roster[i].Owner), lower(roster[j].Owner)
		if a != b {
			return a < b
		}
		return roster[i].ID < roster[j].ID
	})
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Tick loop
// ————————————————————————————————————————————————————————————————————————

func (c *Coordinator) scheduleLocked(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.stopped {
		return
	}
	c.timer = time.AfterFunc(d, c.tickTimer)
}

func (c *Coordinator) nextTickDelay() time.Duration {
	return c.cfg.TickBase + time.Duration(rand.Float64()*float64(c.cfg.TickJitter))
}

func (c *Coordinator) tickTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Tick errors never kill the loop; the next timer is always armed.
	if err := c.Tick(ctx); err != nil {
		c.logger.Error("tick failed", "error", err)
	}
}

// Tick advances the match one step: snapshot, per-participant evaluation and
// execution, history append, persist, reschedule. Calls Settle when the
// match clock has run out.
func (c *Coordinator) Tick(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != types.MatchRunning {
		c.mu.Unlock()
		return nil
	}
	if !c.now().Before(c.state.EndTs) {
		c.mu.Unlock()
		if _, err := c.Settle(ctx); err != nil {
			// Keep the timer alive so settlement is retried next tick.
			c.mu.Lock()
			c.scheduleLocked(c.nextTickDelay())
			c.mu.Unlock()
			return fmt.Errorf("settle at end of match: %w", err)
		}
		return nil
	}
	c.mu.Unlock()

	// Snapshot acquisition happens outside the lock: it can block on the
	// upstream for seconds.
	snap := c.feed.GetSnapshot(ctx, true)
	prices := snap.PriceByAddress()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != types.MatchRunning {
		return nil
	}

	now := c.now()
	for _, e := range c.state.Roster {
		c.runParticipant(e, snap, prices, now)
	}

	c.appendHistoryLocked(prices, now)
	for _, p := range c.state.Portfolios {
		p.TrimOrders()
	}
	c.state.TickCount++

	if err := c.persistLocked(ctx); err != nil {
		c.logger.Error("persist after tick failed", "error", err)
	}

	c.publish("tick", map[string]any{
		"match":        c.state.MatchID,
		"tick":         c.state.TickCount,
		"source":       snap.Source,
		"participants": len(c.state.Roster),
	})

	c.scheduleLocked(c.nextTickDelay())
	return nil
}

// runParticipant evaluates and executes one participant. A panic in the rule
// engine is contained here: one broken strategy must not poison the tick.
func (c *Coordinator) runParticipant(e Entrant, snap types.Snapshot, prices map[string]float64, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("participant evaluation panicked", "participant", e.ID, "panic", r)
		}
	}()

	p := c.state.Portfolios[e.ID]
	if p == nil {
		return
	}
	p.ScanCount++

	intents := rules.Evaluate(e.Strategy, p.View(), snap, now, fold.Seed(e.ID))
	for _, intent := range intents {
		order, err := sim.Execute(p, intent, prices, now)
		if err != nil {
			c.logger.Debug("intent rejected", "participant", e.ID, "side", intent.Side, "token", intent.Symbol, "error", err)
			continue
		}
		c.publish("order", order)
	}

	p.UpdateUnrealized(prices)
}

func (c *Coordinator) appendHistoryLocked(prices map[string]float64, now time.Time) {
	point := types.BalancePoint{
		Timestamp: now,
		Values:    make(map[string]float64, len(c.state.Portfolios)),
	}
	for id, p := range c.state.Portfolios {
		point.Values[id] = p.TotalValue(prices)
	}
	c.state.History = append(c.state.History, point)
	if len(c.state.History) > HistoryRingSize {
		c.state.History = append(c.state.History[:0], c.state.History[len(c.state.History)-HistoryRingSize:]...)
	}
}

func (c *Coordinator) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(c.state)
	if err != nil {
		return fmt.Errorf("encode match state: %w", err)
	}
	if len(raw) > StateBudgetBytes {
		return fmt.Errorf("match state %d bytes exceeds %d limit", len(raw), StateBudgetBytes)
	}
	return c.blobs.Set(ctx, stateKey(c.state.MatchID), raw, 0)
}

// ————————————————————————————————————————————————————————————————————————
// Settlement
// ————————————————————————————————————————————————————————————————————————

// Settle closes the match: final mark, ranking, winner rows, result hash,
// archive. When an afterSettle hook is installed (the manager's rollover),
// it runs after the coordinator's lock is released.
func (c *Coordinator) Settle(ctx context.Context) ([]types.MatchResult, error) {
	snap := c.feed.GetSnapshot(ctx, true)
	prices := snap.PriceByAddress()

	results, err := c.settleLocked(ctx, prices)
	if err != nil {
		return nil, err
	}
	if c.afterSettle != nil {
		c.afterSettle(ctx)
	}
	return results, nil
}

func (c *Coordinator) settleLocked(ctx context.Context, prices map[string]float64) ([]types.MatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Status == types.MatchSettled {
		return nil, fmt.Errorf("match %s already settled", c.state.MatchID)
	}

	results := make([]types.MatchResult, 0, len(c.state.Roster))
	for _, e := range c.state.Roster {
		p := c.state.Portfolios[e.ID]
		if p == nil {
			continue
		}
		p.UpdateUnrealized(prices)
		results = append(results, types.MatchResult{
			ParticipantID: e.ID,
			Owner:         e.Owner,
			FinalValue:    p.TotalValue(prices),
			GainPct:       p.GainPct(prices),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalValue > results[j].FinalValue
	})

	hash, canonical, err := hashResults(results)
	if err != nil {
		return nil, err
	}

	// The relational writes commit first: if either fails the match stays
	// running so the admin (or the next tick) can retry the settlement.
	if err := c.db.SaveWinners(winnerRows(c.state.MatchID, results)); err != nil {
		return nil, fmt.Errorf("save winners: %w", err)
	}
	if err := c.db.SetMatchSettled(c.state.MatchID, hash); err != nil {
		return nil, fmt.Errorf("settle match row: %w", err)
	}

	c.state.Status = types.MatchSettled
	if c.timer != nil {
		c.timer.Stop()
	}

	if err := c.blobs.Set(ctx, "results:match-"+c.state.MatchID, canonical, 0); err != nil {
		c.logger.Error("archive results failed", "error", err)
	}
	if err := c.persistLocked(ctx); err != nil {
		c.logger.Error("persist settled state failed", "error", err)
	}

	c.publish("settled", map[string]any{
		"match":       c.state.MatchID,
		"result_hash": hash,
		"results":     results,
	})
	c.logger.Info("match settled", "participants", len(results), "hash", hash)
	return results, nil
}

// hashResults produces the canonical JSON of the ranking and its SHA-256 hex.
func hashResults(results []types.MatchResult) (string, []byte, error) {
	canonical, err := json.Marshal(results)
	if err != nil {
		return "", nil, fmt.Errorf("encode results: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), canonical, nil
}

func winnerRows(matchID string, results []types.MatchResult) []store.Winner {
	rows := make([]store.Winner, 0, len(results))
	for rank, r := range results {
		prize := 0.0
		if rank == 0 {
			prize = sim.Prize(r.GainPct)
		}
		rows = append(rows, store.Winner{
			MatchID:       matchID,
			ParticipantID: r.ParticipantID,
			Owner:         r.Owner,
			Rank:          rank,
			StartBalance:  decimalFrom(sim.StartBalance),
			EndBalance:    decimalFrom(r.FinalValue),
			GainPct:       decimalFrom(r.GainPct),
			Prize:         decimalFrom(prize),
		})
	}
	return rows
}

// Reset wipes the blob state and restarts from the supplied roster. Admin
// recovery path for corrupted state.
func (c *Coordinator) Reset(ctx context.Context, roster []Entrant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.blobs.Delete(ctx, stateKey(c.state.MatchID)); err != nil {
		return fmt.Errorf("clear match state: %w", err)
	}

	c.state.Roster = append(c.state.Roster[:0], roster...)
	sortRoster(c.state.Roster)
	c.state.Portfolios = make(map[string]*sim.Portfolio, len(roster))
	for _, e := range c.state.Roster {
		c.state.Portfolios[e.ID] = sim.NewPortfolio(e.ID)
	}
	c.state.History = nil
	c.state.TickCount = 0
	c.state.Status = types.MatchRunning

	if err := c.persistLocked(ctx); err != nil {
		return err
	}
	c.scheduleLocked(c.cfg.FirstTickDelay)
	c.logger.Warn("match reset", "participants", len(roster))
	return nil
}

// Stop cancels the timer without settling. Used at shutdown.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Coordinator) publish(eventType string, data any) {
	if c.events != nil {
		c.events.MatchEvent(eventType, data)
	}
}
