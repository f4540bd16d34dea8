// Package protocol defines the frames exchanged over a room connection and
// the room naming scheme. The relay never decodes frames; only peers do.
package protocol

import (
	"errors"
	"fmt"

	"ideasync/internal/document"
)

// MessageType is the first byte of every frame.
type MessageType byte

const (
	// MessageSyncStep1 carries a flags byte and the sender's state vector.
	MessageSyncStep1 MessageType = 0x00
	// MessageSyncStep2 answers a step1 with the changes the sender lacks.
	MessageSyncStep2 MessageType = 0x01
	// MessageUpdate carries a local edit as encoded automerge changes.
	MessageUpdate MessageType = 0x02
	// MessageAwareness carries presence states.
	MessageAwareness MessageType = 0x03
	// MessageAwarenessQuery asks every peer to republish its presence.
	MessageAwarenessQuery MessageType = 0x04
)

const flagReply byte = 0x01

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownType = errors.New("unknown frame type")
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync_step1"
	case MessageSyncStep2:
		return "sync_step2"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	case MessageAwarenessQuery:
		return "awareness_query"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Frame is a decoded frame. Payload aliases the input buffer.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// Encode builds a frame.
func Encode(t MessageType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// Decode splits a frame into its type and payload.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	t := MessageType(data[0])
	if t > MessageAwarenessQuery {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}
	return Frame{Type: t, Payload: data[1:]}, nil
}

// EncodeSyncStep1 builds a step1 frame. reply marks an answer to a peer's
// step1, which must not be answered with another step1.
func EncodeSyncStep1(sv document.StateVector, reply bool) ([]byte, error) {
	data, err := document.EncodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	var flags byte
	if reply {
		flags |= flagReply
	}
	return Encode(MessageSyncStep1, append([]byte{flags}, data...)), nil
}

// DecodeSyncStep1 parses the payload of a step1 frame.
func DecodeSyncStep1(payload []byte) (document.StateVector, bool, error) {
	if len(payload) == 0 {
		return nil, false, fmt.Errorf("sync step1: %w", ErrEmptyFrame)
	}
	sv, err := document.DecodeStateVector(payload[1:])
	if err != nil {
		return nil, false, err
	}
	return sv, payload[0]&flagReply != 0, nil
}
