package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/face"
	"github.com/camoverride/emotion-detector/internal/frame"
	"github.com/camoverride/emotion-detector/internal/pipeline"
	"github.com/camoverride/emotion-detector/internal/predict"
	"github.com/camoverride/emotion-detector/internal/usecase"
)

// echoProcessor answers every frame with its payload as the emotion, blocks on
// "block" until the run is cancelled and rejects "bad" as undecodable.
type echoProcessor struct {
	mu        sync.Mutex
	calls     int
	started   chan struct{}
	cancelled chan struct{}
}

func newEchoProcessor() *echoProcessor {
	return &echoProcessor{started: make(chan struct{}, 8), cancelled: make(chan struct{}, 8)}
}

func (p *echoProcessor) ProcessFrame(ctx context.Context, req usecase.FrameRequest) (*usecase.FrameOutcome, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	switch req.Payload {
	case "bad":
		return nil, frame.ErrDecode
	case "block":
		p.started <- struct{}{}
		<-ctx.Done()
		p.cancelled <- struct{}{}
		return nil, ctx.Err()
	}
	return &usecase.FrameOutcome{RunID: "run", Result: &pipeline.FrameResult{
		RequestType: req.RequestType,
		FaceFound:   true,
		Fields:      []predict.Field{{Name: "emotion", Value: req.Payload}},
		Box:         &face.Rect{X: 10, Y: 20, Width: 30, Height: 40},
	}}, nil
}

func (p *echoProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestServer(t *testing.T, processor FrameProcessor, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	ws := NewServer(processor, zap.NewNop(), opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = ws.Serve(w, r, "analyze")
	}))
	t.Cleanup(func() {
		ws.Close()
		srv.Close()
	})
	return ws, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"data": payload}); err != nil {
		t.Fatalf("failed to send frame: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) pipeline.Event {
	t.Helper()
	var ev pipeline.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	return ev
}

func waitForSessions(t *testing.T, ws *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ws.ActiveSessions() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, got %d", want, ws.ActiveSessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionWritesEventsInOrder(t *testing.T) {
	_, srv := newTestServer(t, newEchoProcessor(), Options{})
	conn := dial(t, srv)

	sendFrame(t, conn, "happy")

	first := readEvent(t, conn)
	if first.Name != "emotion_response" || first.Payload["data"] != "happy" {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := readEvent(t, conn)
	if second.Name != pipeline.BoundingBoxEvent || second.Payload["bb_x"] != "10" || second.Payload["bb_height"] != "40" {
		t.Fatalf("unexpected box event %+v", second)
	}
}

func TestSessionsOnlyReceiveTheirOwnResults(t *testing.T) {
	_, srv := newTestServer(t, newEchoProcessor(), Options{})
	a := dial(t, srv)
	b := dial(t, srv)

	sendFrame(t, a, "from-a")
	sendFrame(t, b, "from-b")

	if ev := readEvent(t, a); ev.Payload["data"] != "from-a" {
		t.Fatalf("client a received %+v", ev)
	}
	if ev := readEvent(t, b); ev.Payload["data"] != "from-b" {
		t.Fatalf("client b received %+v", ev)
	}
	readEvent(t, a)
	readEvent(t, b)

	_ = a.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var extra pipeline.Event
	if err := a.ReadJSON(&extra); err == nil {
		t.Fatalf("client a received an unexpected event %+v", extra)
	}
}

func TestSessionSkipsUndecodableFrames(t *testing.T) {
	_, srv := newTestServer(t, newEchoProcessor(), Options{})
	conn := dial(t, srv)

	sendFrame(t, conn, "bad")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	sendFrame(t, conn, "ok")

	if ev := readEvent(t, conn); ev.Payload["data"] != "ok" {
		t.Fatalf("expected only the valid frame to be answered, got %+v", ev)
	}
}

func TestSessionCancelsInflightFramesOnDisconnect(t *testing.T) {
	processor := newEchoProcessor()
	ws, srv := newTestServer(t, processor, Options{MaxInflight: 1})
	conn := dial(t, srv)
	waitForSessions(t, ws, 1)

	sendFrame(t, conn, "block")
	select {
	case <-processor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("frame never started")
	}

	// The slot is taken, so these are dropped.
	sendFrame(t, conn, "one")
	sendFrame(t, conn, "two")

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	select {
	case <-processor.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight frame was not cancelled")
	}
	waitForSessions(t, ws, 0)
	if calls := processor.callCount(); calls != 1 {
		t.Fatalf("expected extra frames to be dropped, got %d calls", calls)
	}
}

func TestCloseEndsSessions(t *testing.T) {
	ws, srv := newTestServer(t, newEchoProcessor(), Options{})
	conn := dial(t, srv)
	waitForSessions(t, ws, 1)

	ws.Close()
	waitForSessions(t, ws, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}
