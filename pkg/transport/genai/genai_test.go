package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

// fakeSession replays scripted server messages and records inputs.
type fakeSession struct {
	msgs   chan *genai.LiveServerMessage
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	inputs []genai.LiveRealtimeInput
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		msgs:   make(chan *genai.LiveServerMessage, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeSession) SendRealtimeInput(in genai.LiveRealtimeInput) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return nil
}

func (f *fakeSession) Receive() (*genai.LiveServerMessage, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case err := <-f.errs:
		return nil, err
	case <-f.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (f *fakeSession) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSession) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func newTestTransport(sess *fakeSession, gotModel *string, gotCfg **genai.LiveConnectConfig) *Transport {
	t := New("key", WithModel("test-model"))
	t.dial = func(_ context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
		if gotModel != nil {
			*gotModel = model
		}
		if gotCfg != nil {
			*gotCfg = cfg
		}
		return sess, nil
	}
	return t
}

func setupComplete() *genai.LiveServerMessage {
	return &genai.LiveServerMessage{SetupComplete: &genai.LiveServerSetupComplete{}}
}

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

func TestConnectConfig(t *testing.T) {
	t.Parallel()

	lc := connectConfig(transport.SessionConfig{Voice: "Kore", Instructions: "be brief", InputTranscription: true})
	if len(lc.ResponseModalities) != 1 || lc.ResponseModalities[0] != genai.ModalityAudio {
		t.Errorf("modalities = %v", lc.ResponseModalities)
	}
	if v := lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
		t.Errorf("voice = %q", v)
	}
	if lc.SystemInstruction == nil || lc.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("system instruction missing")
	}
	if lc.InputAudioTranscription == nil || lc.OutputAudioTranscription == nil {
		t.Error("transcription config missing")
	}

	lc = connectConfig(transport.SessionConfig{})
	if v := lc.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != defaultVoice {
		t.Errorf("default voice = %q", v)
	}
	if lc.SystemInstruction != nil || lc.InputAudioTranscription != nil {
		t.Error("unset options leaked into config")
	}
}

func TestConnect_ModelOverride(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.msgs <- setupComplete()
	var model string
	tr := newTestTransport(sess, &model, nil)

	c, err := tr.Connect(context.Background(), transport.SessionConfig{Model: "override"})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if model != "override" {
		t.Errorf("model = %q, want override", model)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	tr := newTestTransport(sess, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Connect(ctx, transport.SessionConfig{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if !sess.isClosed() {
		t.Error("session not closed after failed handshake")
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()

	tr := New("key")
	boom := errors.New("no network")
	tr.dial = func(context.Context, string, *genai.LiveConnectConfig) (liveSession, error) { return nil, boom }
	if _, err := tr.Connect(context.Background(), transport.SessionConfig{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()

	pcm := audio.PCMBytes([]int16{5, -5})
	msg := &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{
		Interrupted:        true,
		InputTranscription: &genai.Transcription{Text: "hello"},
		ModelTurn: &genai.Content{Parts: []*genai.Part{
			{Text: "ignored"},
			{InlineData: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: pcm}},
		}},
		OutputTranscription: &genai.Transcription{Text: "hi"},
	}}

	events := translate(msg)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %#v", len(events), events)
	}
	if events[0] != (transport.InterruptedEvent{}) {
		t.Errorf("events[0] = %#v", events[0])
	}
	if events[1] != (transport.TranscriptEvent{Role: transport.RoleUser, Text: "hello"}) {
		t.Errorf("events[1] = %#v", events[1])
	}
	want := audio.EncodedPacket{MediaType: "audio/pcm;rate=24000", Payload: base64.StdEncoding.EncodeToString(pcm)}
	if events[2] != (transport.AudioEvent{Packet: want}) {
		t.Errorf("events[2] = %#v", events[2])
	}
	if events[3] != (transport.TranscriptEvent{Role: transport.RoleAssistant, Text: "hi"}) {
		t.Errorf("events[3] = %#v", events[3])
	}

	if got := translate(&genai.LiveServerMessage{}); len(got) != 0 {
		t.Errorf("empty message produced %d events", len(got))
	}
}

func TestConn_SendAndReceive(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.msgs <- setupComplete()
	tr := newTestTransport(sess, nil, nil)

	c, err := tr.Connect(context.Background(), transport.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	pkt, _ := audio.Encode(audio.AudioFrame{Samples: []int16{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if err := c.Send(pkt); err != nil {
		t.Fatal(err)
	}
	sess.mu.Lock()
	inputs := sess.inputs
	sess.mu.Unlock()
	if len(inputs) != 1 || inputs[0].Audio == nil {
		t.Fatalf("inputs = %#v", inputs)
	}
	if inputs[0].Audio.MIMEType != "audio/pcm;rate=16000" || len(inputs[0].Audio.Data) != 6 {
		t.Errorf("audio blob = %+v", inputs[0].Audio)
	}

	sess.msgs <- &genai.LiveServerMessage{ServerContent: &genai.LiveServerContent{Interrupted: true}}
	if ev := nextEvent(t, c); ev != (transport.InterruptedEvent{}) {
		t.Errorf("event = %#v", ev)
	}
}

func TestConn_RemoteClose(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.msgs <- setupComplete()
	tr := newTestTransport(sess, nil, nil)

	c, err := tr.Connect(context.Background(), transport.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sess.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	if _, ok := nextEvent(t, c).(transport.ClosedEvent); !ok {
		t.Fatal("want ClosedEvent")
	}
}

func TestConn_RuntimeError(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.msgs <- setupComplete()
	tr := newTestTransport(sess, nil, nil)

	c, err := tr.Connect(context.Background(), transport.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	boom := errors.New("connection reset")
	sess.errs <- boom
	ev, ok := nextEvent(t, c).(transport.ErrorEvent)
	if !ok || !errors.Is(ev.Err, boom) {
		t.Fatalf("event = %#v, want ErrorEvent wrapping %v", ev, boom)
	}
}

func TestConn_CloseStopsSend(t *testing.T) {
	t.Parallel()

	sess := newFakeSession()
	sess.msgs <- setupComplete()
	tr := newTestTransport(sess, nil, nil)

	c, err := tr.Connect(context.Background(), transport.SessionConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !sess.isClosed() {
		t.Error("SDK session not closed")
	}
	if err := c.Send(audio.EncodedPacket{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close err = %v, want ErrClosed", err)
	}
}
