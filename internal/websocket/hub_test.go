package websocket

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// recordingHandler captures everything the read pump forwards.
type recordingHandler struct {
	mu          sync.Mutex
	audio       [][]byte
	playbacks   int
	interrupts  int
	disconnects int
}

func (h *recordingHandler) HandleAudio(pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, append([]byte(nil), pcm...))
}

func (h *recordingHandler) HandlePlaybackDone() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playbacks++
}

func (h *recordingHandler) HandleInterrupt() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
}

func (h *recordingHandler) HandleDisconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) counts() (audio, playbacks, interrupts, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.audio), h.playbacks, h.interrupts, h.disconnects
}

func (h *recordingHandler) lastAudio() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.audio) == 0 {
		return nil
	}
	return h.audio[len(h.audio)-1]
}

// newTestServer runs a hub behind a real HTTP listener. All connections
// share one recording handler.
func newTestServer(t *testing.T) (*Hub, *httptest.Server, *recordingHandler) {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(NewConfigMessage("mock-stt", "mock-tts", "disabled", "mock-llm"), logger)
	go hub.Run()

	handler := &recordingHandler{}
	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return Serve(hub, c, func(*Client) SessionHandler { return handler }, logger)
	})

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return hub, srv, handler
}

// dialTest connects to the test server and consumes the config frame.
func dialTest(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var config ConfigMessage
	if err := conn.ReadJSON(&config); err != nil {
		t.Fatalf("reading config frame: %v", err)
	}
	if config.Type != MessageTypeConfig {
		t.Fatalf("first frame type = %q, want config", config.Type)
	}
	return conn
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v (%q)", err, raw)
	}
	return frame
}

func TestServeHandshake(t *testing.T) {
	hub, srv, handler := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var config ConfigMessage
	if err := conn.ReadJSON(&config); err != nil {
		t.Fatalf("reading config frame: %v", err)
	}
	if config.Version != ProtocolVersion {
		t.Errorf("config version = %d, want %d", config.Version, ProtocolVersion)
	}
	if config.STT != "mock-stt" || config.TTS != "mock-tts" || config.Backend != "mock-llm" {
		t.Errorf("config providers = %+v", config)
	}
	if config.SpeakerVerification != "disabled" {
		t.Errorf("speakerVerification = %q", config.SpeakerVerification)
	}

	waitForCondition(t, time.Second, func() bool { return hub.ClientCount() == 1 }, "registration")

	conn.Close()
	waitForCondition(t, time.Second, func() bool { return hub.ClientCount() == 0 }, "unregistration")
	waitForCondition(t, time.Second, func() bool {
		_, _, _, disconnects := handler.counts()
		return disconnects == 1
	}, "disconnect callback")
}

func TestPingPong(t *testing.T) {
	_, srv, _ := newTestServer(t)
	conn := dialTest(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("reply type = %v, want pong", frame["type"])
	}
}

func TestInboundFramesReachHandler(t *testing.T) {
	_, srv, handler := newTestServer(t)
	conn := dialTest(t, srv)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	audioFrame := `{"type":"audio","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`
	for _, msg := range []string{audioFrame, `{"type":"playback_done"}`, `{"type":"interrupt"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("writing %s: %v", msg, err)
		}
	}

	waitForCondition(t, time.Second, func() bool {
		audio, playbacks, interrupts, _ := handler.counts()
		return audio == 1 && playbacks == 1 && interrupts == 1
	}, "handler callbacks")

	if got := handler.lastAudio(); string(got) != string(pcm) {
		t.Errorf("decoded audio = %v, want %v", got, pcm)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	_, srv, handler := newTestServer(t)
	conn := dialTest(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{oops`)); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("reply type = %v, want error", frame["type"])
	}

	// The session must survive a protocol violation.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("writing ping after violation: %v", err)
	}
	frame = readFrame(t, conn)
	if frame["type"] != "pong" {
		t.Errorf("reply type = %v, want pong", frame["type"])
	}

	audio, _, _, _ := handler.counts()
	if audio != 0 {
		t.Errorf("garbage produced %d audio callbacks", audio)
	}
}

func TestUnknownAndEmptyFramesRejected(t *testing.T) {
	_, srv, _ := newTestServer(t)
	conn := dialTest(t, srv)

	for _, msg := range []string{`{"type":"selfdestruct"}`, `{"type":"audio","data":""}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("writing %s: %v", msg, err)
		}
		frame := readFrame(t, conn)
		if frame["type"] != "error" {
			t.Errorf("reply to %s = %v, want error", msg, frame["type"])
		}
	}
}

func TestSendClosesOnBackpressure(t *testing.T) {
	hub, srv, _ := newTestServer(t)
	conn := dialTest(t, srv)

	waitForCondition(t, time.Second, func() bool { return hub.ClientCount() == 1 }, "registration")
	hub.mu.RLock()
	var client *Client
	for c := range hub.clients {
		client = c
	}
	hub.mu.RUnlock()
	if client == nil {
		t.Fatal("no registered client")
	}

	// Simulate a connection that stopped draining.
	client.buffered.Store(highWatermark + 1)
	if !client.Overloaded() {
		t.Fatal("client should report overloaded")
	}
	if err := client.Send(NewAudioEndMessage()); err == nil {
		t.Fatal("send over the watermark should fail")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if !ok {
				t.Fatalf("connection ended without close frame: %v", err)
			}
			if closeErr.Code != CloseCodeBackpressure {
				t.Errorf("close code = %d, want %d", closeErr.Code, CloseCodeBackpressure)
			}
			break
		}
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, srv, _ := newTestServer(t)
	first := dialTest(t, srv)
	second := dialTest(t, srv)

	waitForCondition(t, time.Second, func() bool { return hub.ClientCount() == 2 }, "both registered")

	hub.Shutdown()
	waitForCondition(t, time.Second, func() bool { return hub.ClientCount() == 0 }, "all unregistered")

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code != websocket.CloseGoingAway {
					t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseGoingAway)
				}
				break
			}
		}
	}
}
