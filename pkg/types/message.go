package types

import "time"

// InMessage is a message as received from a transport, before classification.
type InMessage struct {
	// MessageID is the transport's identifier when it has one.
	MessageID string
	Topic     string
	// Payload is a private copy of the transport buffer.
	Payload    []byte
	ReceivedAt time.Time
}
