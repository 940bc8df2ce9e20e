package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quote-arena/internal/blob"
	"quote-arena/internal/config"
	"quote-arena/internal/store"
	"quote-arena/pkg/types"
)

// ErrNoMatch is returned when an operation needs a current match and none
// exists.
var ErrNoMatch = errors.New("no current match")

// Manager owns the fleet rule: at most one match runs at a time. It creates
// coordinators, resumes them at boot, and rolls the arena over to a
// successor match after settlement.
type Manager struct {
	mu      sync.Mutex
	current *Coordinator

	cfg    config.MatchConfig
	feed   SnapshotProvider
	blobs  blob.Store
	db     *store.Store
	events EventSink
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(cfg config.MatchConfig, feed SnapshotProvider, blobs blob.Store, db *store.Store, events EventSink, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		feed:   feed,
		blobs:  blobs,
		db:     db,
		events: events,
		logger: logger.With("component", "match-manager"),
		now:    time.Now,
	}
}

func (m *Manager) newCoordinator(matchID string) *Coordinator {
	c := NewCoordinator(matchID, m.cfg, m.feed, m.blobs, m.db, m.events, m.logger)
	c.afterSettle = m.rollover
	return c
}

// Current returns the live coordinator, or nil.
func (m *Manager) Current() *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CreateMatch inserts a pending match row and stages its coordinator.
// Conflicts with any non-settled match.
func (m *Manager) CreateMatch(ctx context.Context) (string, error) {
	matchID := fmt.Sprintf("match-%d", m.now().UnixNano())

	if err := m.db.CreateMatch(&store.Match{ID: matchID}); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.current = m.newCoordinator(matchID)
	m.mu.Unlock()

	m.logger.Info("match created", "match", matchID)
	return matchID, nil
}

// StartMatch flips the pending match to running and starts its tick loop.
func (m *Manager) StartMatch(ctx context.Context, matchID string) error {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil || c.MatchID() != matchID {
		return fmt.Errorf("%w: %s", ErrNoMatch, matchID)
	}

	start := m.now()
	end := start.Add(m.cfg.Duration)
	if err := m.db.StartMatch(matchID, start, end); err != nil {
		return err
	}
	return c.Start(ctx, start, end)
}

// Settle force-settles the current match. The successor is created by the
// coordinator's afterSettle hook.
func (m *Manager) Settle(ctx context.Context, matchID string) ([]types.MatchResult, error) {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil || c.MatchID() != matchID {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, matchID)
	}
	return c.Settle(ctx)
}

// Reset reloads the roster from the relational store and restarts the
// current match's coordinator from clean portfolios.
func (m *Manager) Reset(ctx context.Context, matchID string) error {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil || c.MatchID() != matchID {
		return fmt.Errorf("%w: %s", ErrNoMatch, matchID)
	}

	rows, err := m.db.Roster(matchID)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	roster := make([]Entrant, 0, len(rows))
	for _, p := range rows {
		strat, err := p.DecodeStrategy()
		if err != nil {
			m.logger.Error("skipping participant with undecodable strategy", "participant", p.ID, "error", err)
			continue
		}
		roster = append(roster, Entrant{ID: p.ID, Owner: p.Owner, Name: p.Name, Strategy: strat})
	}
	return c.Reset(ctx, roster)
}

// rollover spawns the successor match after a settlement: a fresh running
// match with an empty roster that participants join dynamically.
func (m *Manager) rollover(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Status() != types.MatchSettled {
		return
	}

	start := m.now()
	matchID := fmt.Sprintf("match-%d", start.UnixNano())
	row := &store.Match{ID: matchID, StartTs: start, EndTs: start.Add(m.cfg.Duration)}
	if err := m.db.InsertRunningMatch(row); err != nil {
		m.logger.Error("successor match insert failed", "error", err)
		return
	}

	c := m.newCoordinator(matchID)
	if err := c.Start(ctx, row.StartTs, row.EndTs); err != nil {
		m.logger.Error("successor match start failed", "match", matchID, "error", err)
		return
	}
	m.current = c
	m.logger.Info("rolled over to successor match", "match", matchID, "ends", row.EndTs)
}

// Resume restores a running match at boot, if the relational store says one
// is mid-flight.
func (m *Manager) Resume(ctx context.Context) error {
	row, err := m.db.RunningMatch()
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Info("no running match to resume")
		return nil
	}
	if err != nil {
		return fmt.Errorf("query running match: %w", err)
	}

	c := m.newCoordinator(row.ID)
	if err := c.Resume(ctx); err != nil {
		return fmt.Errorf("resume match %s: %w", row.ID, err)
	}

	m.mu.Lock()
	m.current = c
	m.mu.Unlock()
	return nil
}

// Stop shuts the current coordinator's timer down. State stays persisted
// for a later Resume.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Stop()
	}
}
