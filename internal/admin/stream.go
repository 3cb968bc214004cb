package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"droneops-gcs/internal/telemetry"
)

const (
	streamBuffer    = 16
	streamKeepAlive = 15 * time.Second
)

// handleStream relays broadcast frames as server-sent events until the client
// disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("telemetry feed unavailable"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	c := telemetry.NewChanConsumer(streamBuffer)
	id, unregister := s.Feed.Register(c)
	defer func() {
		c.Close()
		unregister()
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	s.log.Debug("telemetry stream opened", "consumer", id, "remote", r.RemoteAddr)

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("telemetry stream closed", "consumer", id)
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case f := <-c.C:
			b, err := json.Marshal(f)
			if err != nil {
				s.log.Warn("encode telemetry frame", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, b); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}
