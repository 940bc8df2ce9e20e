package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"quote-arena/internal/compiler"
	"quote-arena/internal/config"
	"quote-arena/internal/feed"
	"quote-arena/internal/match"
	"quote-arena/internal/store"
	"quote-arena/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UsageProvider is the slice of the feed the admin surface reads.
type UsageProvider interface {
	Usage(ctx context.Context) feed.UsageStats
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg      *config.Config
	manager  *match.Manager
	db       *store.Store
	usage    UsageProvider
	compiler *compiler.Compiler
	hub      *Hub
	logger   *slog.Logger
	now      func() time.Time
}

func NewHandlers(cfg *config.Config, manager *match.Manager, db *store.Store, usage UsageProvider, comp *compiler.Compiler, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		manager:  manager,
		db:       db,
		usage:    usage,
		compiler: comp,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
		now:      time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// requireAdmin wraps admin handlers: the bearer token must be an allowlisted
// EVM address. Missing token → 401, unknown token → 403.
func (h *Handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !h.cfg.IsAdmin(token) {
			writeError(w, http.StatusForbidden, "not an admin address")
			return
		}
		next(w, r)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Public surface
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleLeaderboard merges the relational roster with live coordinator
// standings. Participants not yet picked up by a tick show the start balance
// with status "waiting".
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	c := h.manager.Current()
	if c == nil {
		writeJSON(w, http.StatusOK, []LeaderboardRow{})
		return
	}

	roster, err := h.db.Roster(c.MatchID())
	if err != nil {
		h.logger.Error("roster load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "roster unavailable")
		return
	}

	live := make(map[string]match.Standing)
	for _, s := range c.Standings() {
		live[s.ParticipantID] = s
	}

	rows := make([]LeaderboardRow, 0, len(roster))
	for _, p := range roster {
		row := LeaderboardRow{ID: p.ID, Name: p.Name, Owner: p.Owner, TotalValue: 1.0, Status: "waiting"}
		if s, ok := live[p.ID]; ok {
			row.TotalValue = s.TotalValue
			row.GainPct = s.GainPct
			row.Positions = s.Positions
			row.OrderCount = s.OrderCount
			row.Status = "active"
		}
		rows = append(rows, row)
	}

	// Best first; ties keep roster order.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j].TotalValue > rows[j-1].TotalValue; j-- {
			rows[j], rows[j-1] = rows[j-1], rows[j]
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleBotDetail serves the live view while the match runs, otherwise a
// projection from the relational store.
func (h *Handlers) HandleBotDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if c := h.manager.Current(); c != nil {
		if detail, ok := c.Detail(id); ok {
			writeJSON(w, http.StatusOK, detail)
			return
		}
	}

	p, err := h.db.GetParticipant(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "bot %s not found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	strat, err := p.DecodeStrategy()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored strategy unreadable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       p.ID,
		"name":     p.Name,
		"owner":    p.Owner,
		"match_id": p.MatchID,
		"strategy": strat,
	})
}

// HandleCreateBot registers a bot: compiles the prompt, checks the entry-fee
// burn, persists the participant, and joins it into the running match.
func (h *Handlers) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !common.IsHexAddress(req.Owner) {
		writeError(w, http.StatusBadRequest, "owner must be a valid address")
		return
	}
	owner := common.HexToAddress(req.Owner).Hex()

	c := h.manager.Current()
	if c == nil || c.Status() != types.MatchRunning {
		writeError(w, http.StatusConflict, "no running match to join")
		return
	}
	info := c.Info()

	ok, err := h.db.HasVerifiedBurnSince(owner, info.StartTs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "burn lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusPaymentRequired, "no verified entry burn since match start")
		return
	}

	now := h.now()
	strat, err := h.compiler.Compile(r.Context(), req.Prompt, now.Unix())
	if err != nil {
		var ipe *compiler.InvalidPromptError
		if errors.As(err, &ipe) {
			writeError(w, http.StatusBadRequest, "%s", ipe.Reason)
			return
		}
		writeError(w, http.StatusBadRequest, "strategy compilation failed: %v", err)
		return
	}

	rawStrat, err := json.Marshal(strat)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode strategy")
		return
	}

	botID := fmt.Sprintf("bot-%d", now.UnixNano())
	participant := &store.Participant{
		ID:        botID,
		Owner:     owner,
		MatchID:   info.MatchID,
		Name:      strings.TrimSpace(req.Name),
		PromptRaw: req.Prompt,
		Strategy:  string(rawStrat),
	}
	if err := h.db.CreateParticipant(participant); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			writeError(w, http.StatusConflict, "name %q is taken", req.Name)
			return
		}
		writeError(w, http.StatusInternalServerError, "persist participant")
		return
	}

	if err := c.AddParticipant(r.Context(), match.Entrant{
		ID: botID, Owner: owner, Name: participant.Name, Strategy: strat,
	}); err != nil {
		h.logger.Error("dynamic join failed", "bot", botID, "error", err)
		writeError(w, http.StatusConflict, "could not join running match")
		return
	}

	h.hub.MatchEvent("joined", map[string]string{"id": botID, "name": participant.Name, "owner": owner})
	writeJSON(w, http.StatusCreated, CreateBotResponse{
		ID: botID, Name: participant.Name, Owner: owner, MatchID: info.MatchID, Strategy: strat,
	})
}

// HandlePreview compiles a prompt without persisting anything.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	strat, err := h.compiler.Preview(r.Context(), req.Prompt)
	if err != nil {
		var ipe *compiler.InvalidPromptError
		if errors.As(err, &ipe) {
			writeError(w, http.StatusBadRequest, "%s", ipe.Reason)
			return
		}
		writeError(w, http.StatusBadRequest, "strategy compilation failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

func (h *Handlers) HandleMatchCurrent(w http.ResponseWriter, r *http.Request) {
	c := h.manager.Current()
	if c == nil {
		writeError(w, http.StatusNotFound, "no current match")
		return
	}
	writeJSON(w, http.StatusOK, c.Info())
}

func (h *Handlers) HandleMatchHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	matches, err := h.db.MatchHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	rows := make([]MatchSummary, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, MatchSummary{
			ID: m.ID, Status: m.Status, StartTs: m.StartTs, EndTs: m.EndTs, ResultHash: m.ResultHash,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) HandleMatchResults(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")

	winners, err := h.db.MatchWinners(matchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "results unavailable")
		return
	}
	if len(winners) == 0 {
		writeError(w, http.StatusNotFound, "no results for match %s", matchID)
		return
	}

	rows := make([]ResultRow, 0, len(winners))
	for _, wr := range winners {
		end, _ := wr.EndBalance.Float64()
		gain, _ := wr.GainPct.Float64()
		prize, _ := wr.Prize.Float64()
		rows = append(rows, ResultRow{
			ParticipantID: wr.ParticipantID,
			Owner:         wr.Owner,
			Rank:          wr.Rank,
			EndBalance:    end,
			GainPct:       gain,
			Prize:         prize,
			Paid:          wr.Paid,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleWebSocket upgrades the connection onto the event stream.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

// ————————————————————————————————————————————————————————————————————————
// Admin surface
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleCreateMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := h.manager.CreateMatch(r.Context())
	if errors.Is(err, store.ErrConflictingMatch) {
		writeError(w, http.StatusConflict, "another match is pending or running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create match: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": matchID})
}

func (h *Handlers) HandleStartMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	err := h.manager.StartMatch(r.Context(), matchID)
	switch {
	case errors.Is(err, store.ErrConflictingMatch):
		writeError(w, http.StatusConflict, "another match is running")
	case errors.Is(err, match.ErrNoMatch), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "match %s not found", matchID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "start match: %v", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": matchID, "status": "running"})
	}
}

func (h *Handlers) HandleSettleMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	results, err := h.manager.Settle(r.Context(), matchID)
	switch {
	case errors.Is(err, match.ErrNoMatch):
		writeError(w, http.StatusNotFound, "match %s not found", matchID)
	case err != nil:
		writeError(w, http.StatusConflict, "settle match: %v", err)
	default:
		writeJSON(w, http.StatusOK, results)
	}
}

func (h *Handlers) HandleResetMatch(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")
	err := h.manager.Reset(r.Context(), matchID)
	switch {
	case errors.Is(err, match.ErrNoMatch):
		writeError(w, http.StatusNotFound, "match %s not found", matchID)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "reset match: %v", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": matchID, "status": "reset"})
	}
}

func (h *Handlers) HandleMarkWinnerPaid(w http.ResponseWriter, r *http.Request) {
	idRaw := r.PathValue("id")
	id, err := strconv.ParseUint(idRaw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid winner id %q", idRaw)
		return
	}

	var req MarkPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.TxHash) == "" {
		writeError(w, http.StatusBadRequest, "tx_hash is required")
		return
	}

	if err := h.db.MarkWinnerPaid(uint(id), req.TxHash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "winner %d not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "mark paid: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "paid": true})
}

func (h *Handlers) HandleAPIUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.usage.Usage(r.Context()))
}
