package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// EventNotifier mirrors a journaled frame to live listeners. The
// postgres Notifier satisfies it.
type EventNotifier interface {
	NotifyEvent(ctx domain.Context, ev domain.Event) error
}

const journalWriteTimeout = 5 * time.Second

// JournalSink persists frames through a background writer so the engine
// never waits on the database. A full backlog drops frames; the journal
// is best-effort observability, terminal job state lives on the job row.
type JournalSink struct {
	repo     domain.EventRepository
	notifier EventNotifier
	log      *slog.Logger

	ch        chan domain.Event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ domain.EventSink = (*JournalSink)(nil)

// NewJournalSink starts the writer goroutine. notifier may be nil when
// no live mirror is wanted.
func NewJournalSink(repo domain.EventRepository, notifier EventNotifier, buf int, log *slog.Logger) *JournalSink {
	if buf <= 0 {
		buf = 1024
	}
	s := &JournalSink{
		repo:     repo,
		notifier: notifier,
		log:      log,
		ch:       make(chan domain.Event, buf),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Publish enqueues the frame without blocking.
func (s *JournalSink) Publish(_ domain.Context, ev domain.Event) {
	select {
	case s.ch <- ev:
	default:
		observability.EventFramesDroppedTotal.Inc()
		s.log.Warn("event journal backlog full, frame dropped",
			slog.String("job_id", ev.JobID),
			slog.String("type", string(ev.Type)))
	}
}

// Close drains buffered frames and stops the writer.
func (s *JournalSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *JournalSink) run() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.ch:
			s.write(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *JournalSink) write(ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	seq, err := s.repo.Append(ctx, ev)
	if err != nil {
		s.log.Error("event append failed",
			slog.String("job_id", ev.JobID),
			slog.String("type", string(ev.Type)),
			slog.Any("error", err))
		return
	}
	ev.Seq = seq
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyEvent(ctx, ev); err != nil {
		s.log.Warn("event notify failed",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err))
	}
}
