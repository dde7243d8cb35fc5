// Package gemini implements [transport.Transport] for Google's Gemini Live
// API over a raw WebSocket.
//
// It speaks the BidiGenerateContent JSON protocol: a setup message followed
// by realtimeInput media chunks upstream, and serverContent messages carrying
// inline PCM audio, transcriptions, and interruption flags downstream.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livecore/pkg/audio"
	"github.com/MrWong99/livecore/pkg/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Puck"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default Gemini model used for sessions.
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithKeepalive overrides the websocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(t *Transport) { t.keepalive = d }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements [transport.Transport] for the Gemini Live API.
type Transport struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		keepalive: keepaliveInterval,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect dials the Gemini Live endpoint, sends the setup message and waits
// for setupComplete.
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Conn, error) {
	model := t.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		t.baseURL, url.QueryEscape(t.apiKey),
	)
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Inline audio frames can exceed the 32 KiB default read limit.
	ws.SetReadLimit(4 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		stream: transport.NewStream(transport.DefaultEventBuffer),
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := c.writeJSON(ctx, newSetup(model, cfg)); err != nil {
		c.abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := c.awaitSetupComplete(ctx); err != nil {
		c.abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go c.receiveLoop()
	if t.keepalive > 0 {
		go c.keepaliveLoop(t.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

func newSetup(model string, cfg transport.SessionConfig) setupMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%s)", msg, e.Status)
	}
	return "gemini: " + msg
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	stream *transport.Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// abort tears down a connection that never completed its handshake.
func (c *conn) abort(reason string) {
	c.cancel()
	c.ws.Close(websocket.StatusInternalError, reason)
}

// awaitSetupComplete reads until the server acknowledges the setup. Any
// other message before the acknowledgement is ignored.
func (c *conn) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them as
// events. It owns the event stream and finishes it when it exits.
func (c *conn) receiveLoop() {
	var final transport.Event
	defer func() { c.stream.Finish(c.ctx, final) }()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				final = transport.ClosedEvent{Reason: "remote closed"}
			default:
				final = transport.ErrorEvent{Err: fmt.Errorf("gemini: read: %w", err)}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}

		if msg.Error != nil {
			final = transport.ErrorEvent{Err: msg.Error}
			c.ws.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
			return
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect")
		}
	}
}

// handleServerContent emits the events carried by sc in protocol order:
// interruption first, then transcriptions, then audio. It returns false if
// the connection is shutting down.
func (c *conn) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		if !c.stream.Emit(c.ctx, transport.InterruptedEvent{}) {
			return false
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev := transport.TranscriptEvent{Role: transport.RoleUser, Text: sc.InputTranscription.Text}
		if !c.stream.Emit(c.ctx, ev) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			ev := transport.AudioEvent{Packet: audio.EncodedPacket{
				MediaType: p.InlineData.MIMEType,
				Payload:   p.InlineData.Data,
			}}
			if !c.stream.Emit(c.ctx, ev) {
				return false
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev := transport.TranscriptEvent{Role: transport.RoleAssistant, Text: sc.OutputTranscription.Text}
		if !c.stream.Emit(c.ctx, ev) {
			return false
		}
	}
	return true
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Warn("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// Send forwards one captured packet as a realtimeInput media chunk.
func (c *conn) Send(pkt audio.EncodedPacket) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("gemini: send: %w", transport.ErrClosed)
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: pkt.MediaType, Data: pkt.Payload}},
		},
	}
	if err := c.writeJSON(c.ctx, msg); err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("gemini: send: %w", errors.Join(transport.ErrClosed, err))
		}
		return fmt.Errorf("gemini: send: %w", err)
	}
	return nil
}

// Events returns the inbound event stream.
func (c *conn) Events() <-chan transport.Event { return c.stream.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
