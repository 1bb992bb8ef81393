package websocket_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/transport/websocket"
)

func dial(t *testing.T, srv *httptest.Server, query string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gorillaws.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestServeHTTP_StreamsFilteredEvents(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()

	subscribed := make(chan struct{}, 1)
	src := sourceFunc(func(kinds ...events.Kind) *events.Subscription {
		defer func() { subscribed <- struct{}{} }()
		return bus.Subscribe(0, kinds...)
	})
	srv := httptest.NewServer(&websocket.Handler{Source: src})
	defer srv.Close()

	conn := dial(t, srv, "kinds=entry_dropped")
	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never subscribed")
	}

	bus.Publish(events.Event{Kind: events.EntryEnqueued, RequestID: "skip"})
	bus.Publish(events.Event{Kind: events.EntryDropped, RequestID: "a", Reason: "expired"})

	ev := readEvent(t, conn)
	assert.Equal(t, events.EntryDropped, ev.Kind)
	assert.Equal(t, "a", ev.RequestID)
	assert.EqualValues(t, "expired", ev.Reason)
}

func TestServeHTTP_ClosesWhenBusCloses(t *testing.T) {
	bus := events.NewBus(nil)
	subscribed := make(chan struct{}, 1)
	src := sourceFunc(func(kinds ...events.Kind) *events.Subscription {
		defer func() { subscribed <- struct{}{} }()
		return websocket.BusSource{Bus: bus}.Subscribe(kinds...)
	})
	srv := httptest.NewServer(&websocket.Handler{Source: src})
	defer srv.Close()

	conn := dial(t, srv, "")
	<-subscribed
	bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gorillaws.IsCloseError(err, gorillaws.CloseGoingAway), "got %v", err)
}

func TestServeHTTP_RejectsUnknownKind(t *testing.T) {
	srv := httptest.NewServer(&websocket.Handler{Source: websocket.BusSource{Bus: events.NewBus(nil)}})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/?kinds=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseKinds(t *testing.T) {
	kinds, err := websocket.ParseKinds(" entry_dropped, queue_flushed ,")
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.EntryDropped, events.QueueFlushed}, kinds)

	kinds, err = websocket.ParseKinds("")
	require.NoError(t, err)
	assert.Nil(t, kinds)
}

type sourceFunc func(kinds ...events.Kind) *events.Subscription

func (f sourceFunc) Subscribe(kinds ...events.Kind) *events.Subscription { return f(kinds...) }
