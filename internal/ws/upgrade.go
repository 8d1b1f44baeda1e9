package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Dashboards are served from other origins; callers authenticate before upgrading.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade switches an HTTP request to a websocket and wraps it.
func Upgrade(w http.ResponseWriter, r *http.Request, queueSize int) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}
	return NewConn(conn, queueSize), nil
}

// Dial opens a client websocket to url.
func Dial(ctx context.Context, url string, header http.Header, queueSize int) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(conn, queueSize), nil
}
