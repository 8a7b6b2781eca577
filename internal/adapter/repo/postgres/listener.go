package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Notification channels. Queued wakes idle claim loops, control fans out
// pause/resume/cancel directives, events mirrors the journal for live
// subscribers.
const (
	ChannelJobsQueued  = "rpa_jobs_queued"
	ChannelJobsControl = "rpa_jobs_control"
	ChannelEvents      = "rpa_events"
)

// notifyPayloadMax keeps frames under the postgres NOTIFY payload cap.
const notifyPayloadMax = 7000

// Notifier publishes NOTIFY frames through the shared pool. Payloads are
// advisory; every consumer falls back to polling the tables.
type Notifier struct{ Pool PgxPool }

// NewNotifier constructs a Notifier with the given pool.
func NewNotifier(p PgxPool) *Notifier { return &Notifier{Pool: p} }

// NotifyQueued announces a freshly queued job. The payload carries the
// job's required capabilities so agents can skip wakeups they cannot serve.
func (n *Notifier) NotifyQueued(ctx domain.Context, capabilities []string) error {
	return n.notify(ctx, ChannelJobsQueued, strings.Join(capabilities, ","))
}

// NotifyControl announces a control directive for a held job.
func (n *Notifier) NotifyControl(ctx domain.Context, jobID, directive string) error {
	return n.notify(ctx, ChannelJobsControl, jobID+":"+directive)
}

// NotifyEvent mirrors a journaled frame to live subscribers. Oversized
// payloads are stripped; subscribers replay the full frame from the journal.
func (n *Notifier) NotifyEvent(ctx domain.Context, ev domain.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=notify.event: encode: %w", err)
	}
	if len(b) > notifyPayloadMax {
		ev.Payload = nil
		if b, err = json.Marshal(ev); err != nil {
			return fmt.Errorf("op=notify.event: encode: %w", err)
		}
	}
	return n.notify(ctx, ChannelEvents, string(b))
}

func (n *Notifier) notify(ctx domain.Context, channel, payload string) error {
	if _, err := n.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("op=notify: channel=%s: %w", channel, err)
	}
	return nil
}

// NotificationHandler receives one NOTIFY frame. It runs on the listener
// goroutine and must not block.
type NotificationHandler func(channel, payload string)

// Listener holds a dedicated connection subscribed to a set of channels and
// dispatches frames to the handler. Run blocks until ctx is done and
// reconnects with a fixed delay whenever the connection drops.
type Listener struct {
	Pool           *pgxpool.Pool
	Channels       []string
	Handler        NotificationHandler
	ReconnectDelay time.Duration
}

// NewListener constructs a Listener for the given channels.
func NewListener(pool *pgxpool.Pool, handler NotificationHandler, channels ...string) *Listener {
	return &Listener{Pool: pool, Channels: channels, Handler: handler, ReconnectDelay: 2 * time.Second}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("notification listener reconnecting",
			slog.Any("error", err),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	pc, err := l.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=listen.acquire: %w", err)
	}
	// Hijack the connection so LISTEN state never leaks back into the pool.
	conn := pc.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()
	for _, ch := range l.Channels {
		if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("op=listen: channel=%s: %w", ch, err)
		}
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("op=listen.wait: %w", err)
		}
		if l.Handler != nil {
			l.Handler(n.Channel, n.Payload)
		}
	}
}
