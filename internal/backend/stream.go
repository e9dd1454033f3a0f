package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/pagevault/pagevault/internal/cloud"
)

// Stream message types, server to client unless noted.
const (
	// streamMsgPending announces how many changes are waiting to be
	// delivered.
	streamMsgPending = "pending"

	// streamMsgBatch carries one ordered update batch and its cursor.
	streamMsgBatch = "batch"

	// streamMsgContinue (client to server) asks the server to flush a
	// paused stream.
	streamMsgContinue = "continue"
)

type streamMessage struct {
	Type     string          `json:"type"`
	Count    int             `json:"count,omitempty"`
	Batch    json.RawMessage `json:"batch,omitempty"`
	LastSeen int64           `json:"lastSeen,omitempty"`
}

// streamURL converts the base URL to its websocket form.
func (c *Client) streamURL(since int64) string {
	u := c.config.BaseURL
	if after, ok := strings.CutPrefix(u, "https://"); ok {
		u = "wss://" + after
	} else if after, ok := strings.CutPrefix(u, "http://"); ok {
		u = "ws://" + after
	}
	return u + "/sync/stream?since=" + strconv.FormatInt(since, 10)
}

// StreamUpdates implements cloud.Backend. The first connection must
// succeed; after that the stream survives connection failures by
// redialing with the last delivered cursor, so the consumer sees one
// uninterrupted channel. The channel closes when ctx is cancelled.
func (c *Client) StreamUpdates(ctx context.Context, since int64) (<-chan cloud.UpdateBatch, error) {
	conn, err := c.dialStream(ctx, since)
	if err != nil {
		return nil, err
	}

	out := make(chan cloud.UpdateBatch)
	go c.streamLoop(ctx, conn, since, out)
	return out, nil
}

func (c *Client) dialStream(ctx context.Context, since int64) (*websocket.Conn, error) {
	token, err := c.config.Auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth token: %w", err)
	}
	if token == "" {
		return nil, cloud.ErrUnauthenticated
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, c.streamURL(since), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, cloud.ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to open update stream: %w", err)
	}
	// Update batches can be large.
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// streamLoop pumps one connection after another into out until ctx is
// cancelled.
func (c *Client) streamLoop(ctx context.Context, conn *websocket.Conn, cursor int64, out chan<- cloud.UpdateBatch) {
	defer close(out)

	for {
		last, err := c.consumeConn(ctx, conn, cursor, out)
		if last > cursor {
			cursor = last
		}
		if ctx.Err() != nil {
			return
		}
		c.logger.Printf("Warning: update stream interrupted, reconnecting in %s: %v", c.config.ReconnectInterval, err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		conn, err = c.dialStream(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("Warning: failed to reconnect update stream: %v", err)
			conn = nil
			continue
		}
	}
}

// consumeConn reads one connection until it fails, delivering batches
// to out and forwarding continuation hints. It returns the last
// delivered cursor.
func (c *Client) consumeConn(ctx context.Context, conn *websocket.Conn, cursor int64, out chan<- cloud.UpdateBatch) (int64, error) {
	if conn == nil {
		return cursor, fmt.Errorf("no connection")
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case <-c.continued:
				msg, _ := json.Marshal(streamMessage{Type: streamMsgContinue})
				if err := conn.Write(connCtx, websocket.MessageText, msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return cursor, err
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("Warning: dropping malformed stream message: %v", err)
			continue
		}

		switch msg.Type {
		case streamMsgPending:
			if l := c.changeListener(); l != nil {
				l.IncomingChangesPending(msg.Count)
			}
		case streamMsgBatch:
			batch, err := decodeBatch(data)
			if err != nil {
				return cursor, err
			}
			select {
			case <-ctx.Done():
				return cursor, ctx.Err()
			case out <- batch:
			}
			cursor = batch.LastSeen
			if l := c.changeListener(); l != nil {
				l.IncomingChangesProcessed(len(batch.Batch))
			}
		default:
			c.logger.Printf("Warning: ignoring stream message of unknown type %q", msg.Type)
		}
	}
}
