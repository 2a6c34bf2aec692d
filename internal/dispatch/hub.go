package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/solwatch/tokenstream/internal/filter"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/registry"
	"github.com/solwatch/tokenstream/internal/token"
)

// Stats is a snapshot of the hub's delivery counters.
type Stats struct {
	ActiveSubscribers int
	TokensReceived    uint64
	TokensSent        uint64
	TokensFiltered    uint64
}

// Hub owns the set of live subscriber sessions and fans enriched tokens out
// to them through each subscriber's filters.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	tokensReceived atomic.Uint64
	tokensSent     atomic.Uint64
	tokensFiltered atomic.Uint64

	audit     *registry.AuditWriter
	publisher *Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

func NewHub(audit *registry.AuditWriter, publisher *Publisher, m *metrics.Metrics, log *logger.Logger) *Hub {
	return &Hub{
		sessions:  make(map[string]*Session),
		audit:     audit,
		publisher: publisher,
		metrics:   m,
		logger:    log.WithComponent("hub"),
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.IncrementSubscribers()
	h.logger.Info("subscriber connected",
		slog.String("username", s.Username),
		slog.Int("total_clients", count))
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.ID]
	delete(h.sessions, s.ID)
	count := len(h.sessions)
	h.mu.Unlock()

	if !present {
		return
	}

	h.metrics.DecrementSubscribers()
	h.audit.LogConnection(s.UserID, "disconnected", "")
	h.logger.Info("subscriber disconnected",
		slog.String("username", s.Username),
		slog.Int("total_clients", count))
}

// Broadcast delivers the token to every subscriber whose filters pass. One
// audit row is written per token when at least one delivery happened.
func (h *Hub) Broadcast(tok token.EnrichedToken) {
	h.tokensReceived.Add(1)

	if h.publisher != nil {
		h.publisher.Publish(tok)
	}

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	if len(sessions) == 0 {
		h.tokensFiltered.Add(1)
		h.metrics.IncrementTokensFiltered()
		return
	}

	frame, err := json.Marshal(map[string]any{
		"type": "token",
		"data": tok,
	})
	if err != nil {
		h.logger.Error("failed to marshal token frame", slog.String("error", err.Error()))
		return
	}

	sent := 0
	for _, s := range sessions {
		if !filter.Evaluate(s.Settings(), s, tok) {
			h.tokensFiltered.Add(1)
			h.metrics.IncrementTokensFiltered()
			continue
		}
		if s.Deliver(frame) {
			sent++
			h.tokensSent.Add(1)
			h.metrics.IncrementTokensSent()
		}
	}

	if sent > 0 {
		h.audit.LogTokenSent(tok.TokenAddress, tok.TokenName, tok.TokenTicker, false)
		h.logger.Debug("token delivered",
			slog.String("token_address", tok.TokenAddress),
			slog.Int("subscribers", sent))
	}
}

// Snapshot returns the current counters.
func (h *Hub) Snapshot() Stats {
	h.mu.RLock()
	active := len(h.sessions)
	h.mu.RUnlock()

	return Stats{
		ActiveSubscribers: active,
		TokensReceived:    h.tokensReceived.Load(),
		TokensSent:        h.tokensSent.Load(),
		TokensFiltered:    h.tokensFiltered.Load(),
	}
}

// Usernames lists the connected subscribers for the periodic summary.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.sessions))
	for _, s := range h.sessions {
		names = append(names, s.Username)
	}
	return names
}

// CloseAll tears down every session, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
