package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
	"github.com/MrWong99/livecore/pkg/transport/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
		return false
	}
	return true
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// handshake consumes the setup message and acknowledges it.
func handshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return setup
}

func connect(t *testing.T, srv *httptest.Server, cfg transport.SessionConfig) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr := gemini.New("test-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	c, err := tr.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, c transport.Conn) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, transport.SessionConfig{
		Model:              "custom-model",
		Voice:              "Kore",
		Instructions:       "be brief",
		InputTranscription: true,
	})

	if key := <-keyCh; key != "test-key" {
		t.Errorf("api key = %q, want test-key", key)
	}
	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v", got)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
		t.Errorf("voice = %q, want Kore", v)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs missing from setup")
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	voiceCh := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setup := handshake(t, conn)
		b, _ := json.Marshal(setup)
		voiceCh <- string(b)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, transport.SessionConfig{})
	if raw := <-voiceCh; !strings.Contains(raw, `"voiceName":"Puck"`) {
		t.Errorf("setup %s does not select the default voice", raw)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		// Never acknowledge.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	tr := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	if _, err := tr.Connect(ctx, transport.SessionConfig{}); err == nil {
		t.Fatal("Connect succeeded without setupComplete")
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "invalid model"}})
	})

	tr := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	_, err := tr.Connect(context.Background(), transport.SessionConfig{})
	if err == nil || !strings.Contains(err.Error(), "invalid model") {
		t.Fatalf("err = %v, want setup rejection", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	tr := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := tr.Connect(context.Background(), transport.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSend_RealtimeInput(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	got := make(chan chunkMsg, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for range 2 {
			var msg chunkMsg
			if !readJSON(t, conn, &msg) {
				return
			}
			got <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, transport.SessionConfig{})

	first, _ := audio.Encode(audio.AudioFrame{Samples: []int16{1, 2}, SampleRate: 16000, Channels: 1})
	second, _ := audio.Encode(audio.AudioFrame{Samples: []int16{3, 4}, SampleRate: 16000, Channels: 1})
	for _, pkt := range []audio.EncodedPacket{first, second} {
		if err := c.Send(pkt); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	for i, want := range []audio.EncodedPacket{first, second} {
		select {
		case msg := <-got:
			chunks := msg.RealtimeInput.MediaChunks
			if len(chunks) != 1 {
				t.Fatalf("chunk %d: %d media chunks", i, len(chunks))
			}
			if chunks[0].MIMEType != "audio/pcm;rate=16000" || chunks[0].Data != want.Payload {
				t.Errorf("chunk %d = %+v, want %+v", i, chunks[0], want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}
}

func TestEvents_ServerContent(t *testing.T) {
	t.Parallel()

	pkt, _ := audio.Encode(audio.AudioFrame{Samples: []int16{7, -7}, SampleRate: 24000, Channels: 1})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "hello"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": pkt.MediaType, "data": pkt.Payload}},
			}},
			"outputTranscription": map[string]any{"text": "hi there"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, transport.SessionConfig{})

	if ev, ok := nextEvent(t, c).(transport.TranscriptEvent); !ok || ev.Role != transport.RoleUser || ev.Text != "hello" {
		t.Errorf("event 1 = %#v, want user transcript", ev)
	}
	ev2 := nextEvent(t, c)
	if ae, ok := ev2.(transport.AudioEvent); !ok || ae.Packet != pkt {
		t.Errorf("event 2 = %#v, want audio %v", ev2, pkt)
	}
	if ev, ok := nextEvent(t, c).(transport.TranscriptEvent); !ok || ev.Role != transport.RoleAssistant || ev.Text != "hi there" {
		t.Errorf("event 3 = %#v, want assistant transcript", ev)
	}
	if ev := nextEvent(t, c); ev != (transport.InterruptedEvent{}) {
		t.Errorf("event 4 = %#v, want InterruptedEvent", ev)
	}
}

func TestEvents_RemoteClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := connect(t, srv, transport.SessionConfig{})
	if _, ok := nextEvent(t, c).(transport.ClosedEvent); !ok {
		t.Fatal("want ClosedEvent after remote normal close")
	}
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("event channel not closed after ClosedEvent")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel never closed")
	}
}

func TestEvents_ServerError(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, transport.SessionConfig{})
	ev, ok := nextEvent(t, c).(transport.ErrorEvent)
	if !ok {
		t.Fatal("want ErrorEvent")
	}
	if !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("err = %v", ev.Err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := connect(t, srv, transport.SessionConfig{})
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Send(audio.EncodedPacket{MediaType: "audio/pcm;rate=16000"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close err = %v, want ErrClosed", err)
	}

	// The event stream drains to closed.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel never closed after Close")
		}
	}
}
