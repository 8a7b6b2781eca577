package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser origins are vetted by the CORS middleware before the
	// upgrade; non-browser clients send no Origin at all.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamJobHandler upgrades to a websocket and streams the job's event
// frames: first a replay of persisted frames after ?after_seq, then live
// frames from the hub. Frames the replay already covered are suppressed
// by sequence number; hub frames without a sequence are always sent.
func (s *Server) StreamJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), resultDetails(res))
			return
		}
		var afterSeq int64
		if v := r.URL.Query().Get("after_seq"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: after_seq must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
			afterSeq = n
		}
		// Existence check before the upgrade so clients get a proper 404.
		if _, err := s.Jobs.Status(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}

		// Subscribe before replaying so frames appended during the
		// replay window are not lost; duplicates are filtered below.
		sub := s.Hub.SubscribeBuffered(id, s.Cfg.WSSendBuffer)
		defer sub.Close()

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade wrote the error response already.
			LoggerFrom(r).Warn("websocket upgrade failed", "job_id", id, "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		observability.WSClients.Inc()
		defer observability.WSClients.Dec()

		// Read pump: the client sends nothing we care about, but reads
		// must be drained for pong handling and close detection.
		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(ev domain.Event) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(ev) == nil
		}

		// Replay persisted frames in pages.
		lastSeq := afterSeq
		for {
			evs, err := s.Jobs.JobEvents(r.Context(), id, lastSeq, 500)
			if err != nil {
				LoggerFrom(r).Warn("event replay failed", "job_id", id, "error", err)
				return
			}
			for _, ev := range evs {
				if !send(ev) {
					return
				}
				if ev.Seq > lastSeq {
					lastSeq = ev.Seq
				}
			}
			if len(evs) < 500 {
				break
			}
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if ev.Seq != 0 && ev.Seq <= lastSeq {
					continue
				}
				if !send(ev) {
					return
				}
				if ev.Seq > lastSeq {
					lastSeq = ev.Seq
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
