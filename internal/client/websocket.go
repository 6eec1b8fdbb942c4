package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/viant/jsonrpc"

	"rpc-bridge-go/internal/rpc"
	"rpc-bridge-go/internal/transport"
)

// WebSocketPath is the fixed path of the connection server.
const WebSocketPath = "/trpc"

// ErrNoPage is returned by NewWebSocketClient when no page URL is known.
var ErrNoPage = errors.New("client: no page url to derive the websocket address from")

// ErrConnClosed is returned for calls pending on, or issued to, a closed connection.
var ErrConnClosed = errors.New("client: websocket connection closed")

// WebSocketURL derives the connection server address from the page URL.
func WebSocketURL(page *url.URL) *url.URL {
	scheme := "wss"
	if page.Scheme == "http" {
		scheme = "ws"
	}
	return &url.URL{Scheme: scheme, Host: page.Host, Path: WebSocketPath}
}

// WSClient sends JSON-RPC requests over one WebSocket connection and matches
// responses by id.
type WSClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Response
	closed    bool

	done chan struct{}
	err  error
}

// DialWebSocket connects to rawURL and starts reading responses.
func DialWebSocket(ctx context.Context, rawURL string, header http.Header) (*WSClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", rawURL, err)
	}
	c := &WSClient{
		conn:    conn,
		pending: make(map[string]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.done)

	for {
		var resp jsonrpc.Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}
		if ch, ok := c.pop(fmt.Sprint(resp.Id)); ok {
			ch <- &resp
		}
	}
}

func (c *WSClient) fail(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = ErrConnClosed
	}
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *WSClient) pop(id string) (chan *jsonrpc.Response, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

// Call sends method with params and waits for the matching response.
func (c *WSClient) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	req, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("client: build %s request: %w", method, err)
	}
	id := c.seq.Add(1)
	req.Id = id
	key := fmt.Sprint(id)

	ch := make(chan *jsonrpc.Response, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[key] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.pop(key)
		return nil, fmt.Errorf("client: write websocket: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.err
		}
		return resp, nil
	case <-ctx.Done():
		c.pop(key)
		return nil, ctx.Err()
	}
}

// Close sends a close frame and waits for the read loop to stop.
func (c *WSClient) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	<-c.done
	return err
}

// WebSocketLink returns a terminating link that sends each operation as a
// JSON-RPC message over ws.
func WebSocketLink(ws *WSClient) Link {
	return func(Invoker) Invoker {
		return func(op Operation) (json.RawMessage, error) {
			ctx := op.Ctx
			if ctx == nil {
				ctx = context.Background()
			}
			resp, err := ws.Call(ctx, string(op.Type), rpc.MessageParams{Path: op.Path, Input: op.Input})
			if err != nil {
				return nil, err
			}
			if resp.Error != nil {
				e := &Error{Path: op.Path, Message: resp.Error.Message, RPCCode: int(resp.Error.Code), Code: rpc.CodeInternal}
				var data rpc.ErrorShapeData
				if len(resp.Error.Data) > 0 && json.Unmarshal(resp.Error.Data, &data) == nil && data.Code != "" {
					e.Code, e.HTTPStatus = data.Code, data.HTTPStatus
				}
				return nil, e
			}
			var res rpc.MessageResult
			if err := json.Unmarshal(resp.Result, &res); err != nil {
				return nil, fmt.Errorf("client: decode websocket result of %q: %w", op.Path, err)
			}
			return res.Data, nil
		}
	}
}

// NewWebSocketClient connects to the connection server derived from page and
// returns a client using it. Close the returned WSClient when done.
func NewWebSocketClient(ctx context.Context, page *url.URL, transformer Transformer) (*Client, *WSClient, error) {
	if page == nil || page.Host == "" {
		return nil, nil, ErrNoPage
	}
	ws, err := DialWebSocket(ctx, WebSocketURL(page).String(), nil)
	if err != nil {
		return nil, nil, err
	}
	c, err := New(ctx, Options{Links: []Link{WebSocketLink(ws)}, Transformer: transformer}, transport.Ambient{})
	if err != nil {
		_ = ws.Close()
		return nil, nil, err
	}
	return c, ws, nil
}
