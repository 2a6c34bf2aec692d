// Package dispatch is the subscriber-facing websocket surface: it
// authenticates clients, serves their management commands and fans enriched
// tokens out through per-user filters.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/solwatch/tokenstream/internal/filter"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/registry"
)

const (
	outboundBuffer      = 100
	sessionWriteTimeout = 10 * time.Second
)

// command is a subscriber management request.
type command struct {
	Command     string         `json:"command"`
	RequestID   string         `json:"request_id"`
	Params      map[string]any `json:"params"`
	DevWallet   string         `json:"dev_wallet"`
	TokenName   string         `json:"token_name"`
	TokenTicker string         `json:"token_ticker"`
}

// Session is one authenticated subscriber connection. Filter settings and
// the blacklist are cached per session and refreshed after every mutating
// command, so filtering never touches the database.
type Session struct {
	ID       string
	UserID   int64
	Username string

	conn  *websocket.Conn
	store *registry.Store
	audit *registry.AuditWriter

	mu        sync.RWMutex
	settings  filter.Settings
	blacklist map[string]struct{}

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	logger *logger.Logger
}

// Settings returns the session's cached filter settings.
func (s *Session) Settings() filter.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Contains implements filter.Blacklist against the cached wallet set.
func (s *Session) Contains(devWallet string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[devWallet]
	return ok
}

// Deliver queues a frame for the subscriber. Frames for a session are
// written in queue order; a subscriber that cannot keep up loses frames
// rather than stalling the broadcast.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("subscriber outbound buffer full, dropping frame",
			slog.String("username", s.Username))
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// writeLoop is the only goroutine that writes to the connection.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed, closing session",
					slog.String("username", s.Username),
					slog.String("error", err.Error()))
				s.close()
				return
			}
		}
	}
}

// readLoop serves management commands until the connection drops.
func (s *Session) readLoop(ctx context.Context) {
	defer s.close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.logger.Debug("invalid command payload", slog.String("username", s.Username))
			continue
		}
		s.handleCommand(ctx, cmd)
	}
}

func (s *Session) handleCommand(ctx context.Context, cmd command) {
	switch cmd.Command {
	case "get_settings":
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "settings",
			"data":       s.Settings(),
		})

	case "update_settings":
		if err := s.store.UpdateSettings(ctx, s.UserID, cmd.Params); err != nil {
			s.logger.Error("failed to update settings",
				slog.String("username", s.Username),
				slog.String("error", err.Error()))
			s.audit.LogRequest(s.UserID, "update_settings", cmd.Params, false)
			s.replyError(cmd.RequestID, "Failed to update settings")
			return
		}
		s.audit.LogRequest(s.UserID, "update_settings", cmd.Params, true)
		s.refreshSettings(ctx)
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "settings_updated",
			"data":       s.Settings(),
		})

	case "add_whitelist":
		if cmd.DevWallet == "" {
			return
		}
		added, err := s.store.AddToWhitelist(ctx, s.UserID, cmd.DevWallet, cmd.TokenName, cmd.TokenTicker)
		if err != nil {
			s.audit.LogRequest(s.UserID, "add_to_whitelist",
				map[string]any{"dev_wallet": cmd.DevWallet}, false)
			s.replyError(cmd.RequestID, "Failed to update whitelist")
			return
		}
		s.audit.LogRequest(s.UserID, "add_to_whitelist",
			map[string]any{"dev_wallet": cmd.DevWallet, "name": cmd.TokenName, "ticker": cmd.TokenTicker}, added)
		s.reply(map[string]any{
			"request_id":   cmd.RequestID,
			"type":         "whitelist_updated",
			"action":       "added",
			"dev_wallet":   cmd.DevWallet,
			"token_name":   cmd.TokenName,
			"token_ticker": cmd.TokenTicker,
			"success":      added,
		})

	case "remove_whitelist":
		if cmd.DevWallet == "" {
			return
		}
		removed, err := s.store.RemoveFromWhitelist(ctx, s.UserID, cmd.DevWallet)
		if err != nil {
			s.audit.LogRequest(s.UserID, "remove_from_whitelist",
				map[string]any{"dev_wallet": cmd.DevWallet}, false)
			s.replyError(cmd.RequestID, "Failed to update whitelist")
			return
		}
		s.audit.LogRequest(s.UserID, "remove_from_whitelist",
			map[string]any{"dev_wallet": cmd.DevWallet}, removed)
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "whitelist_updated",
			"action":     "removed",
			"dev_wallet": cmd.DevWallet,
			"success":    removed,
		})

	case "add_blacklist":
		if cmd.DevWallet == "" {
			return
		}
		added, err := s.store.AddToBlacklist(ctx, s.UserID, cmd.DevWallet, cmd.TokenName, cmd.TokenTicker)
		if err != nil {
			s.audit.LogRequest(s.UserID, "add_to_blacklist",
				map[string]any{"dev_wallet": cmd.DevWallet}, false)
			s.replyError(cmd.RequestID, "Failed to update blacklist")
			return
		}
		s.audit.LogRequest(s.UserID, "add_to_blacklist",
			map[string]any{"dev_wallet": cmd.DevWallet, "name": cmd.TokenName, "ticker": cmd.TokenTicker}, added)
		s.refreshBlacklist(ctx)
		s.reply(map[string]any{
			"request_id":   cmd.RequestID,
			"type":         "blacklist_updated",
			"action":       "added",
			"dev_wallet":   cmd.DevWallet,
			"token_name":   cmd.TokenName,
			"token_ticker": cmd.TokenTicker,
			"success":      added,
		})

	case "remove_blacklist":
		if cmd.DevWallet == "" {
			return
		}
		removed, err := s.store.RemoveFromBlacklist(ctx, s.UserID, cmd.DevWallet)
		if err != nil {
			s.audit.LogRequest(s.UserID, "remove_from_blacklist",
				map[string]any{"dev_wallet": cmd.DevWallet}, false)
			s.replyError(cmd.RequestID, "Failed to update blacklist")
			return
		}
		s.audit.LogRequest(s.UserID, "remove_from_blacklist",
			map[string]any{"dev_wallet": cmd.DevWallet}, removed)
		s.refreshBlacklist(ctx)
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "blacklist_updated",
			"action":     "removed",
			"dev_wallet": cmd.DevWallet,
			"success":    removed,
		})

	case "get_whitelist":
		entries, err := s.store.GetWhitelist(ctx, s.UserID)
		if err != nil {
			s.replyError(cmd.RequestID, "Failed to load whitelist")
			return
		}
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "whitelist",
			"data":       entries,
		})

	case "get_blacklist":
		entries, err := s.store.GetBlacklist(ctx, s.UserID)
		if err != nil {
			s.replyError(cmd.RequestID, "Failed to load blacklist")
			return
		}
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "blacklist",
			"data":       entries,
		})

	case "ping":
		s.reply(map[string]any{
			"request_id": cmd.RequestID,
			"type":       "pong",
			"timestamp":  float64(time.Now().UnixMilli()) / 1000,
		})

	default:
		s.replyError(cmd.RequestID, "Unknown command: "+cmd.Command)
	}
}

func (s *Session) refreshSettings(ctx context.Context) {
	settings, err := s.store.GetSettings(ctx, s.UserID)
	if err != nil {
		s.logger.Error("failed to reload settings",
			slog.String("username", s.Username),
			slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *Session) refreshBlacklist(ctx context.Context) {
	wallets, err := s.store.BlacklistedWallets(ctx, s.UserID)
	if err != nil {
		s.logger.Error("failed to reload blacklist",
			slog.String("username", s.Username),
			slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.blacklist = wallets
	s.mu.Unlock()
}

func (s *Session) reply(payload map[string]any) {
	frame, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.Deliver(frame)
}

func (s *Session) replyError(requestID, message string) {
	s.reply(map[string]any{
		"request_id": requestID,
		"type":       "error",
		"message":    message,
	})
}
