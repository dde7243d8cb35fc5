// Package openai implements [transport.Transport] for OpenAI's Realtime API.
//
// The Realtime API expects 24 kHz PCM16 input, so captured 16 kHz packets are
// resampled before they are appended to the input audio buffer. Server-side
// voice activity detection reports the start of user speech with
// input_audio_buffer.speech_started, which is surfaced as a barge-in
// [transport.InterruptedEvent].
package openai

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
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the sample rate of the "pcm16" audio format.
	wireRate = 24000

	transcriptionModel = "whisper-1"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithModel sets the default OpenAI model used for sessions.
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

// Transport implements [transport.Transport] for OpenAI's Realtime API.
type Transport struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New creates a new OpenAI Realtime Transport with the given API key and options.
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

// Connect dials the Realtime endpoint, sends session.update and waits for
// the server to confirm it with session.updated.
func (t *Transport) Connect(ctx context.Context, cfg transport.SessionConfig) (transport.Conn, error) {
	model := t.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	wsURL := fmt.Sprintf("%s?model=%s", t.baseURL, url.QueryEscape(model))
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	ws.SetReadLimit(4 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		stream: transport.NewStream(transport.DefaultEventBuffer),
		conv:   &audio.FormatConverter{Target: audio.Format{SampleRate: wireRate, Channels: 1}},
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := c.writeJSON(ctx, newSessionUpdate(cfg)); err != nil {
		c.abort("session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := c.awaitSessionUpdated(ctx); err != nil {
		c.abort("session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()
	if t.keepalive > 0 {
		go c.keepaliveLoop(t.keepalive)
	}
	return c, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

func newSessionUpdate(cfg transport.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionConfig{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// recoverable reports whether the server rejected one client event but keeps
// the session open, e.g. "response_cancel_not_active". Those arrive as
// invalid_request_error; anything else ends the session.
func (e *serverErrorDetail) recoverable() bool {
	return e.Type == "invalid_request_error"
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", msg, e.Code)
	}
	return "openai: " + msg
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	stream *transport.Stream
	conv   *audio.FormatConverter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *conn) abort(reason string) {
	c.cancel()
	c.ws.Close(websocket.StatusInternalError, reason)
}

// awaitSessionUpdated reads until the server confirms the session
// configuration. session.created and other early events are ignored.
func (c *conn) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				return errors.New("openai: unknown error")
			}
			return evt.Error
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the event stream and finishes it when it exits.
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
				final = transport.ErrorEvent{Err: fmt.Errorf("openai: read: %w", err)}
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		ev, fatal := translate(&evt)
		if ev == nil {
			continue
		}
		if fatal {
			final = ev
			c.ws.Close(websocket.StatusNormalClosure, "server error")
			return
		}
		if !c.stream.Emit(c.ctx, ev) {
			return
		}
	}
}

// translate maps a Realtime server event to a transport event. It returns
// nil for events the session does not consume.
func translate(evt *serverEvent) (ev transport.Event, fatal bool) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return nil, false
		}
		return transport.AudioEvent{Packet: audio.EncodedPacket{
			MediaType: audio.MediaTypeFor(audio.Format{SampleRate: wireRate, Channels: 1}),
			Payload:   evt.Delta,
		}}, false

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return nil, false
		}
		return transport.TranscriptEvent{Role: transport.RoleAssistant, Text: evt.Transcript}, false

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return nil, false
		}
		return transport.TranscriptEvent{Role: transport.RoleUser, Text: evt.Transcript}, false

	case "input_audio_buffer.speech_started":
		return transport.InterruptedEvent{}, false

	case "error":
		if evt.Error == nil {
			return transport.ErrorEvent{Err: errors.New("openai: unknown error")}, true
		}
		if evt.Error.recoverable() {
			slog.Warn("openai: request rejected", "err", evt.Error)
			return nil, false
		}
		return transport.ErrorEvent{Err: evt.Error}, true
	}
	return nil, false
}

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
				slog.Warn("openai: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── Conn methods ───────────────────────────────────────────────────────────────

// Send appends one captured packet to the input audio buffer, resampling it
// to 24 kHz mono when necessary.
func (c *conn) Send(pkt audio.EncodedPacket) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("openai: send: %w", transport.ErrClosed)
	}

	payload, err := c.toWireFormat(pkt)
	if err != nil {
		return fmt.Errorf("openai: send: %w", err)
	}
	if err := c.writeJSON(c.ctx, appendAudioMessage{Type: "input_audio_buffer.append", Audio: payload}); err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("openai: send: %w", errors.Join(transport.ErrClosed, err))
		}
		return fmt.Errorf("openai: send: %w", err)
	}
	return nil
}

// toWireFormat returns the base64 payload of pkt as 24 kHz mono PCM16.
func (c *conn) toWireFormat(pkt audio.EncodedPacket) (string, error) {
	format, err := audio.ParseMediaType(pkt.MediaType)
	if err != nil {
		return "", err
	}
	if format == c.conv.Target {
		return pkt.Payload, nil
	}
	frame, err := audio.Decode(pkt)
	if err != nil {
		return "", err
	}
	frame = c.conv.Convert(frame)
	return audio.EncodePayload(frame.Samples), nil
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
