// Package websockettest holds websocket client helpers for transport tests.
package websockettest

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// URL converts an httptest server address into a websocket URL for path.
func URL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// Dial connects with the supplied subprotocols.
func Dial(urlStr string, header http.Header, subprotocols ...string) (*websocket.Conn, *http.Response, error) {
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = subprotocols
	return dialer.Dial(urlStr, header)
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so that tests can simulate an unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
