package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/internal/ctxkeys"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Secret string
	Issuer string
}

// Server accepts client connections and runs their tasks on a backend
// dispatcher.
type Server struct {
	cfg     ServerConfig
	backend dispatch.Dispatcher
	logger  *zap.Logger
}

// NewServer creates a Server that forwards tasks to backend.
func NewServer(cfg ServerConfig, backend dispatch.Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With(zap.String("component", "dispatch.remote.server")),
	}
}

// ServeHTTP authenticates the request and serves one connection until the
// client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject, err := verifyRequest(r, []byte(s.cfg.Secret), s.cfg.Issuer)
	if err != nil {
		s.logger.Debug("rejected connection", zap.Error(err))
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	logger := s.logger.With(zap.String("subject", subject))
	logger.Info("client connected")

	sess := &session{
		conn:    &conn{ws: ws},
		backend: s.backend,
		logger:  logger,
		handles: make(map[string]dispatch.Handle),
	}
	ctx, cancel := context.WithCancel(r.Context())
	sess.serve(ctx)
	cancel()
	sess.wg.Wait()
	sess.releaseAll()
	_ = ws.Close(websocket.StatusNormalClosure, "bye")
	logger.Info("client disconnected")
}

type session struct {
	conn    *conn
	backend dispatch.Dispatcher
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	handles map[string]dispatch.Handle
}

func (s *session) serve(ctx context.Context) {
	for {
		msg, err := s.conn.read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			s.cancelAll()
			return
		}
		switch msg.Type {
		case MessageSubmit:
			s.submit(ctx, msg)
		case MessageCancel:
			s.mu.Lock()
			h, ok := s.handles[msg.Handle]
			s.mu.Unlock()
			if ok {
				_ = s.backend.Cancel(ctx, h)
			}
		default:
			s.logger.Warn("unexpected message", zap.String("type", string(msg.Type)))
		}
	}
}

func (s *session) submit(ctx context.Context, msg Message) {
	if msg.Task == nil {
		s.reply(ctx, Message{Type: MessageResult, Handle: msg.Handle, Status: dispatch.StatusFailed,
			Result: &dispatch.Result{Error: "submit without task"}})
		return
	}
	submitCtx := ctx
	if msg.RunID != "" {
		submitCtx = ctxkeys.WithRunID(ctx, msg.RunID)
	}
	h, err := s.backend.Submit(submitCtx, msg.Task)
	if err != nil {
		s.reply(ctx, Message{Type: MessageResult, Handle: msg.Handle, Status: dispatch.StatusFailed,
			Result: &dispatch.Result{TaskID: msg.Task.ID, Error: err.Error(), FinishedAt: time.Now()}})
		return
	}
	s.mu.Lock()
	s.handles[msg.Handle] = h
	s.mu.Unlock()
	s.reply(ctx, Message{Type: MessageStatus, Handle: msg.Handle, Status: dispatch.StatusRunning})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-h.Done():
		case <-ctx.Done():
			return
		}
		status, res, err := s.backend.Poll(ctx, h)
		if err != nil {
			status, res = dispatch.StatusFailed, &dispatch.Result{TaskID: msg.Task.ID, Error: err.Error()}
		}
		s.mu.Lock()
		delete(s.handles, msg.Handle)
		s.mu.Unlock()
		s.reply(ctx, Message{Type: MessageResult, Handle: msg.Handle, Status: status, Result: res})
	}()
}

func (s *session) reply(ctx context.Context, msg Message) {
	if err := s.conn.write(ctx, msg); err != nil {
		s.logger.Debug("reply not delivered", zap.String("handle", msg.Handle), zap.Error(err))
	}
}

// releaseAll drains the backend results nobody will read once the cancelled
// tasks of a disconnected client finish.
func (s *session) releaseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.handles {
		go func() {
			<-h.Done()
			_, _, _ = s.backend.Poll(context.Background(), h)
		}()
		delete(s.handles, id)
	}
}

// cancelAll stops every task of a disconnected client.
func (s *session) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		_ = s.backend.Cancel(context.Background(), h)
	}
}
