// Package websocket streams bus events to admin clients.
//
// Clients open a WebSocket connection to:
//
//	GET /v1/events[?kinds=entry_dropped,queue_flushed]
//
// Every event is pushed as one JSON text frame, the same shape as
// events.Event:
//
//	{"kind":"entry_dropped","time":"...","request_id":"...","reason":"expired",...}
//
// The stream is one-way. Frames sent by the client are read and discarded so
// that close frames and pongs are processed.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches Host. Requests
	// without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source hands out event subscriptions. *coordinator.Coordinator and
// *events.Bus (through BusSource) satisfy it.
type Source interface {
	Subscribe(kinds ...events.Kind) *events.Subscription
}

// BusSource adapts a Bus to Source with the default buffer.
type BusSource struct{ Bus *events.Bus }

// Subscribe implements Source.
func (b BusSource) Subscribe(kinds ...events.Kind) *events.Subscription {
	return b.Bus.Subscribe(0, kinds...)
}

// Handler serves the event stream.
type Handler struct {
	Source Source
	Log    *zap.Logger
}

// ParseKinds splits a comma-separated kinds filter and rejects unknown names.
func ParseKinds(raw string) ([]events.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	known := make(map[events.Kind]struct{}, len(events.AllKinds))
	for _, k := range events.AllKinds {
		known[k] = struct{}{}
	}
	var out []events.Kind
	for _, part := range strings.Split(raw, ",") {
		k := events.Kind(strings.TrimSpace(part))
		if k == "" {
			continue
		}
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("unknown event kind %q", k)
		}
		out = append(out, k)
	}
	return out, nil
}

// ServeHTTP upgrades the connection and pushes events until either side
// goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}

	kinds, err := ParseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.Source.Subscribe(kinds...)
	defer sub.Close()

	// Reader: processes control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return

		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("marshal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
