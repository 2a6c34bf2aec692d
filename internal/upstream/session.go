// Package upstream maintains the authenticated websocket session to the
// token feed and turns new-pair frames into a bounded event stream.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/metrics"
	"github.com/solwatch/tokenstream/internal/token"
)

// State is the lifecycle phase of the upstream session.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateConnected
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	pingInterval = 20 * time.Second
	pongTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	dialTimeout  = 15 * time.Second
)

// backoffSchedule caps out at its last element.
var backoffSchedule = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// frame is the envelope the upstream sends around every room event.
type frame struct {
	Room      string          `json:"room"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"created_at"`
}

// Session connects to the upstream feed, joins the new-pairs room and
// delivers parsed tokens on Events. The queue is bounded; when it fills,
// the oldest event is discarded and counted.
type Session struct {
	url    string
	origin string
	room   string

	creds   *Credentials
	events  chan token.RawToken
	state   atomic.Int32
	dropped atomic.Uint64

	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewSession(url, origin, room string, queueSize int, creds *Credentials, m *metrics.Metrics, log *logger.Logger) *Session {
	return &Session{
		url:     url,
		origin:  origin,
		room:    room,
		creds:   creds,
		events:  make(chan token.RawToken, queueSize),
		metrics: m,
		logger:  log.WithComponent("upstream"),
	}
}

// Events is the stream of parsed new-pair tokens.
func (s *Session) Events() <-chan token.RawToken {
	return s.events
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run connects and streams until ctx is cancelled, reconnecting with a
// short backoff after every failure.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateStopped)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		streamed, err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			s.logger.Warn("upstream session ended", slog.String("error", err.Error()))
		}

		s.setState(StateReconnecting)
		s.metrics.IncrementReconnects()

		// A connection that made it to streaming clears the failure
		// streak so the next reconnect starts from the short delay.
		if streamed {
			attempt = 0
		}

		delay := backoffSchedule[min(attempt, len(backoffSchedule)-1)]
		attempt++
		s.logger.Info("reconnecting to upstream", slog.Duration("delay", delay), slog.Int("attempt", attempt))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connectAndStream performs one full connection cycle. The bool reports
// whether the connection reached the streaming phase; a nil error means it
// was later closed by the peer. The caller reconnects either way.
func (s *Session) connectAndStream(ctx context.Context) (bool, error) {
	s.setState(StateAuthenticating)
	if err := s.creds.EnsureValid(); err != nil {
		return false, fmt.Errorf("failed to refresh access token: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	header.Set("Origin", s.origin)
	header.Set("Cookie", s.creds.CookieHeader())

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.logger.Warn("upstream rejected credentials, forcing refresh")
			if refreshErr := s.creds.Refresh(); refreshErr != nil {
				return false, fmt.Errorf("token refresh after 401 failed: %w", refreshErr)
			}
		}
		return false, fmt.Errorf("failed to dial upstream: %w", err)
	}
	defer conn.Close()

	s.setState(StateConnected)
	s.logger.Info("connected to upstream", slog.String("url", s.url))

	join := map[string]string{"action": "join", "room": s.room}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(join); err != nil {
		return false, fmt.Errorf("failed to join room %s: %w", s.room, err)
	}

	s.setState(StateStreaming)

	// The peer must answer pings within pongTimeout or the read deadline
	// trips and the connection is torn down.
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read failed: %w", err)
		}
		s.handleMessage(raw)
	}
}

func (s *Session) handleMessage(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.logger.Debug("ignoring malformed frame", slog.String("error", err.Error()))
		return
	}
	if f.Room != s.room || len(f.Content) == 0 {
		return
	}

	var tok token.RawToken
	if err := json.Unmarshal(f.Content, &tok); err != nil {
		s.logger.Debug("ignoring malformed content", slog.String("error", err.Error()))
		return
	}
	if tok.TokenAddress == "" {
		return
	}
	if tok.CreatedAt == "" {
		tok.CreatedAt = f.CreatedAt
	}
	if tok.Protocol == "" {
		tok.Protocol = "unknown"
	}

	s.metrics.IncrementTokensReceived()
	s.enqueue(tok)
}

// enqueue never blocks: when the queue is full the oldest event makes room
// for the newest one.
func (s *Session) enqueue(tok token.RawToken) {
	for {
		select {
		case s.events <- tok:
			return
		default:
		}

		select {
		case old := <-s.events:
			s.dropped.Add(1)
			s.metrics.IncrementEventsDropped()
			s.logger.Warn("event queue full, dropping oldest",
				slog.String("dropped_token", old.TokenAddress),
				slog.Uint64("total_dropped", s.dropped.Load()))
		default:
		}
	}
}
