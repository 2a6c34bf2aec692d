package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/registry"
)

// Reporter periodically logs a delivery summary and persists the counters,
// and prunes old audit rows once a day.
type Reporter struct {
	hub       *Hub
	store     *registry.Store
	cron      *cron.Cron
	interval  time.Duration
	retention time.Duration
	startedAt time.Time
	logger    *logger.Logger
}

func NewReporter(hub *Hub, store *registry.Store, interval, retention time.Duration, log *logger.Logger) *Reporter {
	return &Reporter{
		hub:       hub,
		store:     store,
		cron:      cron.New(),
		interval:  interval,
		retention: retention,
		startedAt: time.Now(),
		logger:    log.WithComponent("reporter"),
	}
}

// Start schedules the periodic jobs.
func (r *Reporter) Start() error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.report); err != nil {
		return fmt.Errorf("failed to schedule stats job: %w", err)
	}
	if _, err := r.cron.AddFunc("@daily", r.cleanup); err != nil {
		return fmt.Errorf("failed to schedule cleanup job: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reporter) report() {
	stats := r.hub.Snapshot()
	uptime := time.Since(r.startedAt)

	users := "none"
	if names := r.hub.Usernames(); len(names) > 0 {
		users = strings.Join(names, ", ")
	}

	r.logger.Info("server statistics",
		slog.String("uptime", fmt.Sprintf("%dh %dm", int(uptime.Hours()), int(uptime.Minutes())%60)),
		slog.Int("connected", stats.ActiveSubscribers),
		slog.Uint64("tokens_received", stats.TokensReceived),
		slog.Uint64("tokens_sent", stats.TokensSent),
		slog.Uint64("tokens_filtered", stats.TokensFiltered),
		slog.String("active_users", users))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.SaveServerStats(ctx, stats.ActiveSubscribers,
		stats.TokensReceived, stats.TokensSent, stats.TokensFiltered); err != nil {
		r.logger.Error("failed to save server stats", slog.String("error", err.Error()))
	}
}

func (r *Reporter) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := r.store.CleanupAuditLogs(ctx, r.retention)
	if err != nil {
		r.logger.Error("audit cleanup failed", slog.String("error", err.Error()))
		return
	}
	r.logger.Info("audit logs pruned", slog.Int64("rows_deleted", deleted))
}
