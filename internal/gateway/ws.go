package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/fleetreg/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a websocket and streams envelopes
// matching the filter in the query string until either side hangs up.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatGateway, "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := g.Subscribe(ctx, filter)
	defer sub.Close()

	log.SafeGo("gateway-read-"+sub.ID, func() {
		defer cancel()
		g.readPump(conn)
	})
	g.writePump(ctx, conn, sub)
}

// readPump discards client frames and keeps the read deadline moving on
// pongs. It returns when the connection fails or is closed.
func (g *Gateway) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(log.CatGateway, "websocket read error", "error", err)
			}
			return
		}
	}
}

func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	events := make(chan Envelope)
	log.SafeGo("gateway-next-"+sub.ID, func() {
		defer close(events)
		for {
			env, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case events <- env:
			case <-ctx.Done():
				return
			}
		}
	})

	for {
		select {
		case env, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				log.Debug(log.CatGateway, "websocket write failed", "id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Client reads envelopes from a gateway websocket.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the events endpoint at base (http or ws scheme) with the
// given filter.
func Dial(ctx context.Context, base string, filter Filter) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/events") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/events"
	}
	u.RawQuery = filter.Values().Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}
	return &Client{conn: conn}, nil
}

// ErrClosed is returned by Next after the server ended the stream.
var ErrClosed = errors.New("event stream closed")

// Next blocks for the next envelope.
func (c *Client) Next() (Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Envelope{}, ErrClosed
		}
		return Envelope{}, err
	}
	return env, nil
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
