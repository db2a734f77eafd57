package gateway

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/Iron-Ham/branchyard/internal/errors"
	fastws "github.com/fasthttp/websocket"
)

// Client is the remote side of a session stream.
type Client struct {
	conn *fastws.Conn
	wmu  sync.Mutex
}

// StreamURL returns the websocket URL of a session on a gateway at addr
// (host:port).
func StreamURL(addr, sessionID string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/sessions/" + url.PathEscape(sessionID) + "/ws"}
	return u.String()
}

// Dial connects to the stream of sessionID on the gateway at addr.
func Dial(ctx context.Context, addr, sessionID string) (*Client, error) {
	conn, resp, err := fastws.DefaultDialer.DialContext(ctx, StreamURL(addr, sessionID), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to session %s", sessionID)
	}
	return &Client{conn: conn}, nil
}

// Input sends keystrokes.
func (c *Client) Input(p []byte) error {
	return c.write(encode(TypeInput, string(p)))
}

// Resize asks for a new terminal size.
func (c *Client) Resize(rows, cols uint16) error {
	return c.write(encode(TypeResize, ResizeData{Cols: cols, Rows: rows}))
}

// Ping asks for a pong frame.
func (c *Client) Ping() error {
	return c.write(encode(TypePing, nil))
}

func (c *Client) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(fastws.TextMessage, frame)
}

// Next blocks for the next frame from the gateway.
func (c *Client) Next() (Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.NewValidationError("malformed frame from gateway")
	}
	return f, nil
}

// Close closes the connection. The session keeps running.
func (c *Client) Close() error {
	return c.conn.Close()
}

// DecodeOutput decodes the payload of an output frame.
func (f Frame) DecodeOutput() ([]byte, error) {
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// DecodeExit decodes the payload of an exit frame.
func (f Frame) DecodeExit() (ExitData, error) {
	var d ExitData
	err := json.Unmarshal(f.Data, &d)
	return d, err
}

// DecodeError decodes the payload of an error frame.
func (f Frame) DecodeError() (ErrorData, error) {
	var d ErrorData
	err := json.Unmarshal(f.Data, &d)
	return d, err
}
