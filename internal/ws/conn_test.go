package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, 8)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.SendRaw(data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConn_SendAndReceive(t *testing.T) {
	srv := newEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, wsURL(srv), nil, 8)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(map[string]string{"t": "ping"}))

	data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"ping"}`, string(data))
	assert.NotEmpty(t, client.ID())
}

func TestConn_SendAfterClose(t *testing.T) {
	srv := newEchoServer(t)

	client, err := Dial(context.Background(), wsURL(srv), nil, 8)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.SendRaw([]byte(`{}`)), ErrClosed)

	select {
	case <-client.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestConn_QueueOverflowClosesConnection(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, 1)
		if err != nil {
			return
		}
		<-block
		conn.Close()
	}))
	defer srv.Close()
	defer close(block)

	client, err := Dial(context.Background(), wsURL(srv), nil, 1)
	require.NoError(t, err)
	defer client.Close()

	payload := []byte(strings.Repeat("x", 64*1024))
	var sendErr error
	for i := 0; i < 10000 && sendErr == nil; i++ {
		sendErr = client.SendRaw(payload)
	}

	require.Error(t, sendErr)
	assert.True(t, sendErr == ErrQueueFull || sendErr == ErrClosed)
	<-client.Done()
}
