package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solwatch/tokenstream/internal/logger"
)

// AuditConfig tunes the async audit writer.
type AuditConfig struct {
	WorkerPoolSize int
	BufferSize     int
	WriteTimeout   time.Duration
}

type auditEntry struct {
	kind       string
	userID     *int64
	action     string
	ipAddress  string
	reqType    string
	reqData    map[string]any
	success    bool
	tokenAddr  string
	tokenName  string
	tokenTick  string
	filtered   bool
	receivedAt time.Time
}

// AuditWriter persists connection, request and delivery logs off the hot
// path. Writes are dropped, not blocked on, when the buffer is full.
type AuditWriter struct {
	store        *Store
	entries      chan auditEntry
	workerPool   sync.WaitGroup
	shutdown     chan struct{}
	closed       atomic.Bool
	writeTimeout time.Duration
	dropped      atomic.Int64
	logger       *logger.Logger
}

func NewAuditWriter(store *Store, cfg AuditConfig, log *logger.Logger) *AuditWriter {
	w := &AuditWriter{
		store:        store,
		entries:      make(chan auditEntry, cfg.BufferSize),
		shutdown:     make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		logger:       log.WithComponent("audit"),
	}

	for i := 0; i < cfg.WorkerPoolSize; i++ {
		w.workerPool.Add(1)
		go w.worker()
	}

	return w
}

func (w *AuditWriter) worker() {
	defer w.workerPool.Done()

	for {
		select {
		case entry := <-w.entries:
			w.write(entry)
		case <-w.shutdown:
			// Drain remaining entries before exiting.
			for {
				select {
				case entry := <-w.entries:
					w.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(entry auditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	var err error
	switch entry.kind {
	case "connection":
		_, err = w.store.db.ExecContext(ctx, `
			INSERT INTO connection_logs (user_id, action, ip_address, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4)`,
			nullableID(entry.userID), entry.action, entry.ipAddress, entry.receivedAt)
	case "request":
		var data []byte
		if entry.reqData != nil {
			data, _ = json.Marshal(entry.reqData)
		}
		_, err = w.store.db.ExecContext(ctx, `
			INSERT INTO request_logs (user_id, request_type, request_data, success, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			nullableID(entry.userID), entry.reqType, data, entry.success, entry.receivedAt)
	case "token":
		_, err = w.store.db.ExecContext(ctx, `
			INSERT INTO token_logs (user_id, token_address, token_name, token_ticker, filtered, created_at)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`,
			nullableID(entry.userID), entry.tokenAddr, entry.tokenName, entry.tokenTick, entry.filtered, entry.receivedAt)
	}

	if err != nil {
		w.logger.Error("failed to write audit entry",
			slog.String("kind", entry.kind),
			slog.String("error", err.Error()))
	}
}

func (w *AuditWriter) enqueue(entry auditEntry) {
	if w.closed.Load() {
		return
	}
	entry.receivedAt = time.Now().UTC()

	select {
	case w.entries <- entry:
	default:
		dropped := w.dropped.Add(1)
		if dropped%100 == 1 {
			w.logger.Warn("audit buffer full, dropping entries",
				slog.Int64("total_dropped", dropped))
		}
	}
}

// LogConnection records a subscriber connect or disconnect.
func (w *AuditWriter) LogConnection(userID int64, action, ipAddress string) {
	w.enqueue(auditEntry{kind: "connection", userID: &userID, action: action, ipAddress: ipAddress})
}

// LogRequest records a subscriber command and its outcome.
func (w *AuditWriter) LogRequest(userID int64, requestType string, requestData map[string]any, success bool) {
	w.enqueue(auditEntry{kind: "request", userID: &userID, reqType: requestType, reqData: requestData, success: success})
}

// LogTokenSent records that a token was delivered to at least one
// subscriber. The row is not tied to any single user.
func (w *AuditWriter) LogTokenSent(tokenAddress, tokenName, tokenTicker string, filtered bool) {
	w.enqueue(auditEntry{kind: "token", tokenAddr: tokenAddress, tokenName: tokenName, tokenTick: tokenTicker, filtered: filtered})
}

// Dropped returns how many entries were discarded due to backpressure.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Shutdown stops accepting entries and drains the buffer.
func (w *AuditWriter) Shutdown() {
	if w.closed.Swap(true) {
		return
	}
	close(w.shutdown)
	w.workerPool.Wait()
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
