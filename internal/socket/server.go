// Package socket serves frame streams over websockets. Each connection is an
// independent session: its frames run concurrently and every reply is written back
// to that connection only.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/frame"
	"github.com/camoverride/emotion-detector/internal/pipeline"
	"github.com/camoverride/emotion-detector/internal/usecase"
)

// FrameProcessor runs one frame for a client.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, req usecase.FrameRequest) (*usecase.FrameOutcome, error)
}

// Options tune per-connection limits.
type Options struct {
	MaxInflight     int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// inbound is the message a client sends for every frame.
type inbound struct {
	Data string `json:"data"`
}

// Server upgrades HTTP requests and tracks the open sessions.
type Server struct {
	processor FrameProcessor
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	opts      Options

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewServer(processor FrameProcessor, logger *zap.Logger, opts Options) *Server {
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 4
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = int64(frame.DefaultMaxBytes) + 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Server{
		processor: processor,
		logger:    logger.Named("socket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 16 << 10,
		},
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("socket server closed")

// Serve upgrades the request and runs the session until the client disconnects or
// the server closes. The upgrade error has already been answered on w.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, requestType string) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		requestType: requestType,
		processor:   s.processor,
		inflight:    make(chan struct{}, s.opts.MaxInflight),
		writeWait:   s.opts.WriteTimeout,
	}
	sess.logger = s.logger.With(zap.String("connection_id", sess.id), zap.String("request_type", requestType))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrServerClosed
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()

	sess.logger.Info("websocket session opened", zap.String("remote_addr", r.RemoteAddr))
	sess.run(r.Context())
	sess.logger.Info("websocket session closed")
	return nil
}

// Close ends every open session and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// ActiveSessions returns the number of open connections.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type session struct {
	id          string
	conn        *websocket.Conn
	requestType string
	processor   FrameProcessor
	logger      *zap.Logger
	inflight    chan struct{}
	writeWait   time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// run reads frames until the connection fails. In-flight frames are cancelled when
// it returns.
func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.close()
	}()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Data == "" {
			s.logger.Debug("ignoring malformed message", zap.Error(err))
			continue
		}

		select {
		case s.inflight <- struct{}{}:
		default:
			s.logger.Debug("dropping frame, too many in flight")
			continue
		}

		wg.Add(1)
		go func(payload string) {
			defer wg.Done()
			defer func() { <-s.inflight }()
			s.handleFrame(ctx, payload)
		}(msg.Data)
	}
}

func (s *session) handleFrame(ctx context.Context, payload string) {
	outcome, err := s.processor.ProcessFrame(ctx, usecase.FrameRequest{
		ClientKey:   s.id,
		RequestType: s.requestType,
		Payload:     payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, frame.ErrDecode), errors.Is(err, usecase.ErrThrottled), errors.Is(err, context.Canceled):
			s.logger.Debug("frame produced no output", zap.Error(err))
		default:
			s.logger.Warn("frame failed", zap.Error(err))
		}
		return
	}

	for _, ev := range outcome.Result.Events() {
		if ctx.Err() != nil {
			return
		}
		if err := s.write(ev); err != nil {
			s.logger.Debug("failed to write event", zap.String("event", ev.Name), zap.Error(err))
			return
		}
	}
}

func (s *session) write(ev pipeline.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(ev)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}
