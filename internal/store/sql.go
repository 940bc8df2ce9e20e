// Package store is the relational persistence layer: participants, matches,
// winners, and the externally-owned burns table. The live simulation never
// reads from here mid-tick; the coordinator loads rosters on start and
// writes results on settlement.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"quote-arena/pkg/types"
)

var (
	ErrNameTaken        = errors.New("participant name already taken")
	ErrConflictingMatch = errors.New("another match is pending or running")
	ErrNotFound         = errors.New("not found")
)

// ————————————————————————————————————————————————————————————————————————
// Models
// ————————————————————————————————————————————————————————————————————————

// Participant is one registered bot. NameLower enforces case-insensitive
// name uniqueness across databases whose collations differ.
type Participant struct {
	ID        string `gorm:"primaryKey"`
	Owner     string `gorm:"index"`
	MatchID   string `gorm:"index"`
	Name      string
	NameLower string `gorm:"uniqueIndex"`
	PromptRaw string
	Strategy  string // compiled strategy, JSON
	CreatedAt time.Time
}

type Match struct {
	ID         string `gorm:"primaryKey"`
	Status     string `gorm:"index"` // pending | running | settled
	StartTs    time.Time
	EndTs      time.Time
	ResultHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Winner struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	MatchID       string `gorm:"index"`
	ParticipantID string
	Owner         string
	Rank          int
	StartBalance  decimal.Decimal `gorm:"type:decimal(20,6)"`
	EndBalance    decimal.Decimal `gorm:"type:decimal(20,6)"`
	GainPct       decimal.Decimal `gorm:"type:decimal(10,4)"`
	Prize         decimal.Decimal `gorm:"type:decimal(20,6)"`
	Paid          bool
	PaidTx        string
	CreatedAt     time.Time
}

// Burn rows are written by the external fee subsystem; this service only
// reads them.
type Burn struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Owner       string `gorm:"index"`
	TxHash      string
	TxHashLower string          `gorm:"uniqueIndex"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Verified    bool
	Ts          time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Store
// ————————————————————————————————————————————————————————————————————————

type Store struct {
	db *gorm.DB
}

// Open connects to the relational backend. A postgres:// DSN opens Postgres;
// anything else is treated as a sqlite path (":memory:" included).
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&Participant{}, &Match{}, &Winner{}, &Burn{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Participants
// ————————————————————————————————————————————————————————————————————————

// CreateParticipant registers a bot. Names are unique case-insensitively.
func (s *Store) CreateParticipant(p *Participant) error {
	p.NameLower = strings.ToLower(p.Name)

	var count int64
	if err := s.db.Model(&Participant{}).Where("name_lower = ?", p.NameLower).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrNameTaken
	}
	return s.db.Create(p).Error
}

func (s *Store) GetParticipant(id string) (*Participant, error) {
	var p Participant
	if err := s.db.First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Roster loads the participants of one match, sorted by lowercase owner so
// the coordinator's execution order is stable.
func (s *Store) Roster(matchID string) ([]Participant, error) {
	var out []Participant
	err := s.db.Where("match_id = ?", matchID).Order("LOWER(owner) ASC, id ASC").Find(&out).Error
	return out, err
}

// DecodeStrategy unpacks the stored compiled strategy.
func (p *Participant) DecodeStrategy() (types.Strategy, error) {
	var strat types.Strategy
	if err := json.Unmarshal([]byte(p.Strategy), &strat); err != nil {
		return types.Strategy{}, fmt.Errorf("decode strategy for %s: %w", p.ID, err)
	}
	return strat, nil
}

// ————————————————————————————————————————————————————————————————————————
// Matches
// ————————————————————————————————————————————————————————————————————————

// CreateMatch inserts a pending match. Rejected while any non-settled match
// exists: the arena runs one competition at a time.
func (s *Store) CreateMatch(m *Match) error {
	var count int64
	if err := s.db.Model(&Match{}).Where("status <> ?", string(types.MatchSettled)).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrConflictingMatch
	}
	m.Status = string(types.MatchPending)
	return s.db.Create(m).Error
}

// StartMatch flips a pending match to running. Rejected if any other match
// is already running.
func (s *Store) StartMatch(id string, startTs, endTs time.Time) error {
	var count int64
	if err := s.db.Model(&Match{}).
		Where("status = ? AND id <> ?", string(types.MatchRunning), id).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrConflictingMatch
	}

	res := s.db.Model(&Match{}).Where("id = ?", id).Updates(map[string]any{
		"status":   string(types.MatchRunning),
		"start_ts": startTs,
		"end_ts":   endTs,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertRunningMatch creates a match already in the running state. Used by
// settlement to spawn the successor without the create/start handshake.
func (s *Store) InsertRunningMatch(m *Match) error {
	m.Status = string(types.MatchRunning)
	return s.db.Create(m).Error
}

func (s *Store) GetMatch(id string) (*Match, error) {
	var m Match
	if err := s.db.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// RunningMatch returns the single running match, or ErrNotFound.
func (s *Store) RunningMatch() (*Match, error) {
	var m Match
	if err := s.db.First(&m, "status = ?", string(types.MatchRunning)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// SetMatchSettled records the settlement hash and closes the match.
func (s *Store) SetMatchSettled(id, resultHash string) error {
	res := s.db.Model(&Match{}).Where("id = ?", id).Updates(map[string]any{
		"status":      string(types.MatchSettled),
		"result_hash": resultHash,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchHistory lists settled matches, newest first.
func (s *Store) MatchHistory(limit int) ([]Match, error) {
	var out []Match
	err := s.db.Where("status = ?", string(types.MatchSettled)).
		Order("end_ts DESC").Limit(limit).Find(&out).Error
	return out, err
}

// DeleteMatchData removes a match's participants and winners. Used by the
// admin reset path to recover from corrupted state.
func (s *Store) DeleteMatchData(matchID string) error {
	if err := s.db.Where("match_id = ?", matchID).Delete(&Winner{}).Error; err != nil {
		return err
	}
	return s.db.Where("match_id = ?", matchID).Delete(&Participant{}).Error
}

// ————————————————————————————————————————————————————————————————————————
// Winners
// ————————————————————————————————————————————————————————————————————————

// SaveWinners writes the full settlement ranking in one transaction,
// replacing any rows a previously failed settlement attempt left behind.
func (s *Store) SaveWinners(rows []Winner) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("match_id = ?", rows[0].MatchID).Delete(&Winner{}).Error; err != nil {
			return err
		}
		for i := range rows {
			if err := tx.Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkWinnerPaid records the payout transaction for one winner row.
func (s *Store) MarkWinnerPaid(id uint, txHash string) error {
	res := s.db.Model(&Winner{}).Where("id = ?", id).Updates(map[string]any{
		"paid":    true,
		"paid_tx": txHash,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchWinners returns the stored ranking of one match, best first.
func (s *Store) MatchWinners(matchID string) ([]Winner, error) {
	var out []Winner
	err := s.db.Where("match_id = ?", matchID).Order("rank ASC").Find(&out).Error
	return out, err
}

// ————————————————————————————————————————————————————————————————————————
// Burns
// ————————————————————————————————————————————————————————————————————————

// HasVerifiedBurnSince reports whether the owner has a verified entry-fee
// burn at or after the given time. Owner comparison is case-insensitive:
// addresses arrive in mixed checksummed casings.
func (s *Store) HasVerifiedBurnSince(owner string, since time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&Burn{}).
		Where("LOWER(owner) = ? AND verified = ? AND ts >= ?", strings.ToLower(owner), true, since).
		Count(&count).Error
	return count > 0, err
}

// RecordBurn inserts a burn row; duplicate transaction hashes (any casing)
// are rejected by the unique index. Exposed for the external fee subsystem
// and for tests.
func (s *Store) RecordBurn(b *Burn) error {
	b.TxHashLower = strings.ToLower(b.TxHash)
	return s.db.Create(b).Error
}
