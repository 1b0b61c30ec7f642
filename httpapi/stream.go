package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/accountdeck/internal/eventbus"
	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/schema"
)

// keepaliveInterval spaces SSE comments that keep idle proxies from closing the stream.
var keepaliveInterval = 25 * time.Second

// handleEvents streams engine events as server-sent events. A reconnecting
// client sends Last-Event-ID and receives the retained events it missed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("stream unsupported"))
		return
	}
	var id schema.AccountID
	if raw := r.URL.Query().Get("account"); raw != "" {
		normalized, err := schema.NormalizeAccountID(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		id = normalized
	}
	log := logx.Ctx(r.Context())
	if id != "" {
		log = log.With("account", id)
	}

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}
	ch, replay, unsubscribe := s.events.SubscribeFrom(id, lastID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sent := lastID
	for _, event := range replay {
		_ = writeSSEvent(w, event)
		sent = event.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	log.Info("http stream opened", "last_id", lastID, "replay", len(replay))
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID <= sent {
				continue
			}
			_ = writeSSEvent(w, event)
			sent = event.ID
			flusher.Flush()
		}
	}
}

func writeSSEvent(w http.ResponseWriter, event eventbus.Event) error {
	data, err := json.Marshal(event.Event)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return nil
}
