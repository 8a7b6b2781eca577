// Package events fans journal frames out to live subscribers and, when
// brokers are configured, mirrors job lifecycle transitions onto the
// Kafka audit stream.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

const defaultSubscriberBuffer = 256

// Hub is an in-process broadcast of event frames keyed by job. Publish
// never blocks: a subscriber that falls behind loses frames and receives
// a single OVERFLOW frame accounting for them once it drains.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	log  *slog.Logger
	buf  int
}

var _ domain.EventSink = (*Hub)(nil)

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		subs: map[string]map[*Subscription]struct{}{},
		log:  log,
		buf:  defaultSubscriberBuffer,
	}
}

// Publish delivers ev to the job's subscribers and to firehose
// subscribers.
func (h *Hub) Publish(_ domain.Context, ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.JobID] {
		sub.offer(ev)
	}
	if ev.JobID != "" {
		for sub := range h.subs[""] {
			sub.offer(ev)
		}
	}
}

// Subscribe registers for one job's frames; the empty jobID subscribes
// to every job.
func (h *Hub) Subscribe(jobID string) *Subscription {
	return h.SubscribeBuffered(jobID, h.buf)
}

// SubscribeBuffered registers with an explicit channel capacity.
func (h *Hub) SubscribeBuffered(jobID string, buf int) *Subscription {
	if buf <= 0 {
		buf = 1
	}
	s := &Subscription{hub: h, jobID: jobID, ch: make(chan domain.Event, buf)}
	h.mu.Lock()
	set := h.subs[jobID]
	if set == nil {
		set = map[*Subscription]struct{}{}
		h.subs[jobID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Subscribers reports the current subscription count across all jobs.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Subscription is one registered consumer. Frames arrive on C in publish
// order; Close unregisters and closes the channel.
type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan domain.Event

	mu      sync.Mutex
	dropped int64
}

func (s *Subscription) C() <-chan domain.Event { return s.ch }

// Dropped reports how many frames are currently unaccounted for; the
// count resets once an OVERFLOW frame is delivered.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	if set, ok := s.hub.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.hub.subs, s.jobID)
		}
	}
	s.hub.mu.Unlock()
	close(s.ch)
}

// offer runs under the hub read lock, which keeps it mutually exclusive
// with Close.
func (s *Subscription) offer(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		of := domain.Event{
			JobID:   ev.JobID,
			Type:    domain.EventOverflow,
			TS:      time.Now().UTC(),
			Payload: map[string]any{"dropped": s.dropped},
		}
		select {
		case s.ch <- of:
			s.dropped = 0
		default:
			s.dropped++
			observability.EventFramesDroppedTotal.Inc()
			return
		}
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
		observability.EventFramesDroppedTotal.Inc()
	}
}
