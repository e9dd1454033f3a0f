package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
)

// streamMessage mirrors the client's stream wire format.
type streamMessage struct {
	Type     string          `json:"type"`
	Count    int             `json:"count,omitempty"`
	Batch    json.RawMessage `json:"batch,omitempty"`
	LastSeen int64           `json:"lastSeen,omitempty"`
}

// streamClient is one connected stream consumer.
type streamClient struct {
	id     identity
	wakeup chan struct{}
}

// notify wakes the client's delivery loop. The channel is buffered so
// pushes never block on slow consumers.
func (c *streamClient) notify() {
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

// handleStream upgrades to a websocket and delivers update batches as
// they arrive, starting with the backlog after the cursor. A pending
// notice precedes every batch.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("Warning: failed to accept stream connection: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &streamClient{id: id, wakeup: make(chan struct{}, 1)}
	ul := s.userLogFor(id.userID)

	ul.mu.Lock()
	ul.streams[client] = struct{}{}
	ul.mu.Unlock()
	defer func() {
		ul.mu.Lock()
		delete(ul.streams, client)
		ul.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: continuation hints wake the delivery loop; a read error
	// means the peer went away.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg streamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == streamMsgContinue {
				client.notify()
			}
		}
	}()

	cursor := since
	for {
		bodies, lastSeen := ul.updatesAfter(cursor, id.deviceID)
		if lastSeen > cursor {
			if len(bodies) > 0 {
				if err := s.writeMessage(ctx, conn, streamMessage{
					Type:  streamMsgPending,
					Count: len(bodies),
				}); err != nil {
					return
				}
			}

			batch, err := json.Marshal(bodies)
			if err != nil {
				s.logger.Printf("Warning: failed to encode stream batch: %v", err)
				return
			}
			if bodies == nil {
				batch = []byte("[]")
			}
			if err := s.writeMessage(ctx, conn, streamMessage{
				Type:     streamMsgBatch,
				Batch:    batch,
				LastSeen: lastSeen,
			}); err != nil {
				return
			}
			cursor = lastSeen
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-client.wakeup:
		}
	}
}

const (
	streamMsgPending  = "pending"
	streamMsgBatch    = "batch"
	streamMsgContinue = "continue"
)

func (s *Server) writeMessage(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
