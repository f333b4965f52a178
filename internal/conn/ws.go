package conn

import (
	"context"

	"github.com/coder/websocket"
)

// wsTransport adapts a coder/websocket connection to the Transport
// interface.
type wsTransport struct {
	c *websocket.Conn
}

// DialWebsocket is the default Dialer.
func DialWebsocket(ctx context.Context, url string) (Transport, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Frame payloads are small; the default read limit is fine, but large
	// streamed content frames can exceed it on long generations.
	c.SetReadLimit(1 << 20)
	return &wsTransport{c: c}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.c.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.c.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.c.Close(websocket.StatusNormalClosure, reason)
}
