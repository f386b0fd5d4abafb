package api

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
)

// auditStream pushes one sandbox's audit records and transitions to a
// websocket client. A client that falls behind loses messages rather than
// stalling the event bus.
type auditStream struct {
	id      string
	conn    *websocket.Conn
	send    chan StreamMessage
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (st *auditStream) close() {
	st.once.Do(func() { close(st.done) })
}

func (st *auditStream) deliver(ev sandbox.Event) error {
	msg := StreamMessage{
		Type:       ev.Type,
		SandboxID:  ev.SandboxID,
		Timestamp:  ev.Timestamp,
		Record:     ev.Record,
		Transition: ev.Transition,
	}
	select {
	case st.send <- msg:
		return nil
	case <-st.done:
		return nil
	default:
		st.dropped.Add(1)
		return fmt.Errorf("audit stream %s is full", st.id)
	}
}

func (st *auditStream) readPump() {
	defer st.close()
	st.conn.SetReadLimit(512)
	st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error {
		st.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("stream_id", st.id).Msg("Audit stream read error")
			}
			return
		}
	}
}

func (st *auditStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		st.conn.Close()
	}()

	for {
		select {
		case msg := <-st.send:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("stream_id", st.id).Msg("Audit stream write error")
				st.close()
				return
			}
		case <-ticker.C:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				st.close()
				return
			}
		case <-st.done:
			st.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handleAuditStream upgrades to a websocket carrying audit records and
// state transitions of one sandbox as they happen.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.SandboxSnapshot(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	st := &auditStream{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan StreamMessage, streamBuffer),
		done: make(chan struct{}),
	}
	subID := s.service.Subscribe(st.deliver, sandbox.SandboxFilter(snap.ID),
		sandbox.EventTypeAudit, sandbox.EventTypeStateChange)

	s.streamsMu.Lock()
	s.streams[st.id] = st
	s.streamsMu.Unlock()

	log.Info().
		Str("stream_id", st.id).
		Str("sandbox_id", snap.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("Audit stream opened")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		st.readPump()
	}()
	go func() {
		defer s.wg.Done()
		st.writePump()
		s.service.Unsubscribe(subID)

		s.streamsMu.Lock()
		delete(s.streams, st.id)
		s.streamsMu.Unlock()

		log.Info().
			Str("stream_id", st.id).
			Uint64("dropped", st.dropped.Load()).
			Msg("Audit stream closed")
	}()
}
