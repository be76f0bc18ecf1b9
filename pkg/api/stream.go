package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/events"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const streamWriteWait = 10 * time.Second

// streamEvents upgrades to a websocket and forwards bus events. Query
// parameters: task_id narrows to one task's topic, kinds is a comma list of
// event kinds, from_seq replays the topic's buffered events first. A client
// that falls behind receives a catch-up-required event and is disconnected;
// it should reconnect with from_seq set to its last seen sequence.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic := events.TopicAll
	if taskID := q.Get("task_id"); taskID != "" {
		topic = events.TaskTopic(taskID)
	}
	var fromSeq uint64
	if raw := q.Get("from_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, apierr.Validation("from_seq_invalid", "from_seq must be a non-negative integer, got %q", raw))
			return
		}
		fromSeq = n
	}
	var kinds []events.Kind
	if raw := q.Get("kinds"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, events.Kind(k))
			}
		}
	}

	ws, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer ws.Close()

	sub := s.broker.Subscribe(topic, fromSeq, kinds...)
	defer s.broker.Unsubscribe(sub)

	// Reader goroutine: the client never sends frames, but reading is how
	// we learn the connection closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteJSON(e); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
