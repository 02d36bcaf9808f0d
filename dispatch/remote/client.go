package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/internal/ctxkeys"
	"github.com/zeroechelon/blueprint/internal/tlsutil"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the worker endpoint, e.g. ws://host:8090/dispatch
	URL         string
	Secret      string
	Issuer      string
	Subject     string
	TokenTTL    time.Duration
	DialTimeout time.Duration
}

// Client is a dispatch.Dispatcher backed by one websocket connection.
type Client struct {
	conn    *conn
	tracker *dispatch.Tracker
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Dial connects to a worker and starts reading results.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Subject == "" {
		cfg.Subject = "blueprint"
	}

	token, err := SignToken([]byte(cfg.Secret), cfg.Issuer, cfg.Subject, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancelDial()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	// the upgrade needs HTTP/1.1
	transport := tlsutil.SecureTransport()
	transport.ForceAttemptHTTP2 = false
	ws, _, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: transport},
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    &conn{ws: ws},
		tracker: dispatch.NewTracker(),
		logger:  logger.With(zap.String("component", "dispatch.remote"), zap.String("url", cfg.URL)),
		ctx:     readCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Submit implements dispatch.Dispatcher.
func (c *Client) Submit(ctx context.Context, task *document.Task) (dispatch.Handle, error) {
	if err := c.connErr(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	h := c.tracker.RegisterWithID(id, task.ID, func() {
		if err := c.conn.write(c.ctx, Message{Type: MessageCancel, Handle: id}); err != nil {
			c.logger.Debug("cancel not delivered", zap.String("handle", id), zap.Error(err))
		}
	})
	runID, _ := ctxkeys.RunID(ctx)
	if err := c.conn.write(ctx, Message{Type: MessageSubmit, Handle: id, RunID: runID, Task: task}); err != nil {
		c.tracker.Complete(id, dispatch.StatusFailed, &dispatch.Result{TaskID: task.ID, Error: err.Error()})
		c.tracker.Forget(id)
		return nil, fmt.Errorf("submit task %s: %w", task.ID, err)
	}
	return h, nil
}

// Poll implements dispatch.Dispatcher.
func (c *Client) Poll(_ context.Context, h dispatch.Handle) (dispatch.Status, *dispatch.Result, error) {
	return c.tracker.Poll(h)
}

// Cancel implements dispatch.Dispatcher.
func (c *Client) Cancel(_ context.Context, h dispatch.Handle) error {
	return c.tracker.Cancel(h)
}

// Close closes the connection. Outstanding submissions fail.
func (c *Client) Close() error {
	err := c.conn.ws.Close(websocket.StatusNormalClosure, "closing")
	c.cancel()
	<-c.done
	return err
}

func (c *Client) connErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.read(c.ctx)
		if err != nil {
			c.fail(err)
			return
		}
		switch msg.Type {
		case MessageStatus:
			if msg.Status == dispatch.StatusRunning {
				c.tracker.SetRunning(msg.Handle)
			}
		case MessageResult:
			status := msg.Status
			if !status.Terminal() {
				status = dispatch.StatusFailed
			}
			if !c.tracker.Complete(msg.Handle, status, msg.Result) {
				c.logger.Debug("result for unknown or finished handle", zap.String("handle", msg.Handle))
			}
		default:
			c.logger.Warn("unexpected message", zap.String("type", string(msg.Type)))
		}
	}
}

// fail marks the connection broken and fails every outstanding submission.
func (c *Client) fail(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		err = errors.New("remote: connection closed")
	} else {
		c.logger.Warn("connection lost", zap.Error(err))
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	for _, id := range c.tracker.Outstanding() {
		taskID, _ := c.tracker.TaskID(id)
		c.tracker.Complete(id, dispatch.StatusFailed, &dispatch.Result{
			TaskID:     taskID,
			Error:      err.Error(),
			FinishedAt: time.Now(),
		})
	}
}
