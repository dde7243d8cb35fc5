// Package genai implements [transport.Transport] for the Gemini Live API
// through the Google Gen AI SDK (google.golang.org/genai).
//
// Unlike package gemini, which speaks the websocket protocol directly, this
// transport delegates framing and authentication to the SDK's Live client
// and only translates between SDK messages and transport events.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
	_ liveSession         = (*genai.Session)(nil)
)

const (
	defaultModel = "gemini-2.0-flash-live-001"
	defaultVoice = "Puck"
)

// liveSession is the subset of [*genai.Session] used by the transport.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// dialFunc opens a Live session. It is replaced in tests.
type dialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements [transport.Transport] on top of the Gen AI SDK.
type Transport struct {
	apiKey  string
	model   string
	baseURL string
	dial    dialFunc
}

// New creates a Transport authenticating with apiKey.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(t)
	}
	if t.dial == nil {
		t.dial = t.sdkDial
	}
	return t
}

func (t *Transport) sdkDial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	cc := &genai.ClientConfig{
		APIKey:  t.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if t.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: t.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return client.Live.Connect(ctx, model, cfg)
}

// Connect opens a Live session and waits for the setup acknowledgement.
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Conn, error) {
	model := t.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sess, err := t.dial(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}
	if err := awaitSetupComplete(ctx, sess); err != nil {
		sess.Close()
		return nil, fmt.Errorf("genai: setup: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		sess:   sess,
		stream: transport.NewStream(transport.DefaultEventBuffer),
		ctx:    connCtx,
		cancel: cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// connectConfig maps the session configuration onto the SDK's setup.
func connectConfig(cfg transport.SessionConfig) *genai.LiveConnectConfig {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// awaitSetupComplete blocks until the server acknowledges the setup or ctx
// is done. The SDK's Receive has no context, so cancellation closes the
// session to unblock it.
func awaitSetupComplete(ctx context.Context, sess liveSession) error {
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := sess.Receive()
			if err != nil {
				errc <- err
				return
			}
			if msg.SetupComplete != nil {
				errc <- nil
				return
			}
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sess.Close()
		<-errc
		return ctx.Err()
	}
}

// translate converts one server message into transport events in protocol
// order: interruption, user transcription, audio, assistant transcription.
func translate(msg *genai.LiveServerMessage) []transport.Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	var events []transport.Event
	if sc.Interrupted {
		events = append(events, transport.InterruptedEvent{})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, transport.TranscriptEvent{Role: transport.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			events = append(events, transport.AudioEvent{Packet: audio.EncodedPacket{
				MediaType: p.InlineData.MIMEType,
				Payload:   base64.StdEncoding.EncodeToString(p.InlineData.Data),
			}})
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, transport.TranscriptEvent{Role: transport.RoleAssistant, Text: sc.OutputTranscription.Text})
	}
	return events
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	sess   liveSession
	stream *transport.Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func (c *conn) receiveLoop() {
	var final transport.Event
	defer func() { c.stream.Finish(c.ctx, final) }()

	for {
		msg, err := c.sess.Receive()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				final = transport.ClosedEvent{Reason: "remote closed"}
			default:
				final = transport.ErrorEvent{Err: fmt.Errorf("genai: receive: %w", err)}
			}
			return
		}
		if msg.GoAway != nil {
			slog.Info("genai: server announced disconnect")
		}
		for _, ev := range translate(msg) {
			if !c.stream.Emit(c.ctx, ev) {
				return
			}
		}
	}
}

// Send forwards one packet as realtime audio input.
func (c *conn) Send(pkt audio.EncodedPacket) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("genai: send: %w", transport.ErrClosed)
	}

	data, err := base64.StdEncoding.DecodeString(pkt.Payload)
	if err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}
	input := genai.LiveRealtimeInput{Audio: &genai.Blob{MIMEType: pkt.MediaType, Data: data}}
	if err := c.sess.SendRealtimeInput(input); err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("genai: send: %w", errors.Join(transport.ErrClosed, err))
		}
		return fmt.Errorf("genai: send: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan transport.Event { return c.stream.Events() }

// Close terminates the session. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
