// Package transport defines the contract between the live session and a
// remote streaming-inference endpoint.
//
// A [Transport] dials the endpoint and performs the full handshake; the
// resulting [Conn] is a full-duplex channel. Outbound, the session sends one
// [audio.EncodedPacket] per captured frame (16 kHz mono PCM16). Inbound, the
// connection delivers typed [Event] values on a single channel so that the
// session's event loop observes audio, transcripts, and interrupts in the
// order the remote produced them.
//
// Implementations live in sub-packages: gemini (raw Gemini Live websocket),
// genai (Gemini Live through the Google Gen AI SDK), openai (OpenAI Realtime),
// and mock (test double).
package transport

import (
	"context"
	"errors"

	"github.com/MrWong99/livecore/pkg/audio"
)

// ErrClosed is returned by [Conn.Send] after the connection has been closed
// by either side.
var ErrClosed = errors.New("transport: connection closed")

// Role identifies the speaker of a transcript fragment.
type Role string

const (
	// RoleUser marks recognised speech of the local user.
	RoleUser Role = "user"

	// RoleAssistant marks text produced by the remote model.
	RoleAssistant Role = "assistant"
)

// SessionConfig is the configuration sent to the remote during the handshake.
type SessionConfig struct {
	// Model overrides the transport's default model when non-empty.
	Model string

	// Voice is the provider-specific name of the synthesis voice.
	Voice string

	// Instructions is the system instruction for the model.
	Instructions string

	// InputTranscription requests transcripts of the user's speech in
	// addition to the assistant's.
	InputTranscription bool
}

// Event is an inbound message from the remote endpoint. The concrete types
// are [AudioEvent], [TranscriptEvent], [InterruptedEvent], [ClosedEvent],
// and [ErrorEvent].
type Event interface {
	event()
}

// AudioEvent carries one encoded frame of synthesised speech.
type AudioEvent struct {
	Packet audio.EncodedPacket
}

// TranscriptEvent carries one transcript fragment.
type TranscriptEvent struct {
	Role Role
	Text string
}

// InterruptedEvent signals that the remote detected user speech and
// abandoned its current response (barge-in).
type InterruptedEvent struct{}

// ClosedEvent signals an orderly close. It is the last event delivered.
type ClosedEvent struct {
	Reason string
}

// ErrorEvent signals a fatal runtime failure. It is the last event
// delivered.
type ErrorEvent struct {
	Err error
}

func (AudioEvent) event()       {}
func (TranscriptEvent) event()  {}
func (InterruptedEvent) event() {}
func (ClosedEvent) event()      {}
func (ErrorEvent) event()       {}

// Conn is an open, handshaken connection.
//
// Send may be called from one goroutine while another reads Events. Close
// is safe to call concurrently and more than once.
type Conn interface {
	// Send transmits one packet. Returns [ErrClosed] (possibly wrapped) after
	// the connection is closed.
	Send(pkt audio.EncodedPacket) error

	// Events returns the inbound event stream. The channel is closed after a
	// [ClosedEvent] or [ErrorEvent] has been delivered, or after Close.
	Events() <-chan Event

	// Close terminates the connection and releases its resources.
	Close() error
}

// Transport establishes connections to one kind of remote endpoint.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect dials the endpoint, sends the session setup, and waits for the
	// remote to acknowledge it. ctx bounds the handshake only; the returned
	// Conn lives until Close or a remote close.
	Connect(ctx context.Context, cfg SessionConfig) (Conn, error)
}
