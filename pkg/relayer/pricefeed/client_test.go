package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/pricefeed"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFeedServer accepts websocket clients, checks the subscription and
// replays frames before closing the connection.
func newFeedServer(t *testing.T, frames ...string) (*httptest.Server, chan string) {
	t.Helper()
	subscriptions := make(chan string, 16)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscriptions <- string(sub)
		for _, frame := range frames {
			if conn.WriteMessage(websocket.TextMessage, []byte(frame)) != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, subscriptions
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_StreamsUpdatesAndReconnects(t *testing.T) {
	server, subscriptions := newFeedServer(t, `{"type":"subscribe_ack"}`, storkFrame("150000000000000000000"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []pricefeed.UpdateData, 16)
	m := metrics.NewRelayerMetrics(nil)
	client := NewClient(ClientConfig{
		URL:            wsURL(server),
		AuthHeader:     "Basic secret",
		Feeds:          []string{"SOLUSD"},
		ReconnectDelay: 10 * time.Millisecond,
	}, Stork{}, func(_ context.Context, updates []pricefeed.UpdateData) {
		received <- updates
	}, m)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case sub := <-subscriptions:
			assert.JSONEq(t, `{"type":"subscribe","data":["SOLUSD"]}`, sub)
		case <-time.After(5 * time.Second):
			t.Fatal("no subscription")
		}
		select {
		case updates := <-received:
			require.Len(t, updates, 1)
			assert.Equal(t, int64(150000000000000), updates[0].TemporalNumericValue.QuantizedValue.Int64())
		case <-time.After(5 * time.Second):
			t.Fatal("no update")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Reconnects), 1.0)
}

func TestClient_EndToEndPush(t *testing.T) {
	server, _ := newFeedServer(t, storkFrame("142500000000000000000"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{}
	pusher, _ := newTestPusher(sender, nil)
	pushed := make(chan struct{}, 16)
	client := NewClient(ClientConfig{
		URL:            wsURL(server),
		AuthHeader:     "Basic secret",
		Feeds:          []string{"SOLUSD"},
		ReconnectDelay: time.Hour,
	}, Stork{}, func(ctx context.Context, updates []pricefeed.UpdateData) {
		pusher.Push(ctx, updates)
		pushed <- struct{}{}
	}, nil)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-pushed:
	case <-time.After(5 * time.Second):
		t.Fatal("no update pushed")
	}
	cancel()
	require.NoError(t, <-done)
	pusher.Close()

	txs := sender.sent()
	require.Len(t, txs, 1)
	assert.Len(t, txs[0].Message.Instructions, 1)
}
