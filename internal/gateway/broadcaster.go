package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/events"
)

const sseKeepAlive = 25 * time.Second

// sseFrame serialises evt in SSE wire format: "data: <json>\n\n".
func sseFrame(evt events.Event) ([]byte, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(raw)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, raw...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// handleEvents streams bus events to an admin client until it disconnects.
// Slow clients drop events rather than stall publishers.
func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel := gw.bus.Subscribe()
	defer cancel()

	if frame, err := sseFrame(events.Event{Type: "connected", At: time.Now().UTC(), Payload: gw.status()}); err == nil {
		_, _ = w.Write(frame)
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			frame, err := sseFrame(evt)
			if err != nil {
				gw.log.Warn("failed to marshal SSE event", zap.String("type", evt.Type), zap.Error(err))
				continue
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
