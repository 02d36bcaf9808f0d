// Package remote dispatches tasks to a worker over a websocket.
//
// The Client side implements dispatch.Dispatcher; the Server side accepts
// authenticated connections and runs submitted tasks on any other
// dispatch.Dispatcher (typically dispatch/local). Connections authenticate
// with an HS256 bearer token.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
)

// MessageType tags a frame on the wire.
type MessageType string

const (
	MessageSubmit MessageType = "submit"
	MessageCancel MessageType = "cancel"
	MessageStatus MessageType = "status"
	MessageResult MessageType = "result"
)

// Message is one JSON frame. Handle is the client-issued submission id.
type Message struct {
	Type   MessageType      `json:"type"`
	Handle string           `json:"handle"`
	RunID  string           `json:"run_id,omitempty"`
	Task   *document.Task   `json:"task,omitempty"`
	Status dispatch.Status  `json:"status,omitempty"`
	Result *dispatch.Result `json:"result,omitempty"`
}

// conn serializes writes; websocket connections allow one writer at a time.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *conn) read(ctx context.Context) (Message, error) {
	var msg Message
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return msg, fmt.Errorf("websocket read: %w", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
