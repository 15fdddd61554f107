// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

// Serializer is an interface for serializing lattice messages to bytes
// and back.
type Serializer interface {
	Marshal(Message) ([]byte, error)
	Unmarshal([]byte) (Message, error)
}

// Message is the interface implemented by all protocol types which can be
// shipped between address spaces.
type Message interface {
	// messageToken returns the wire token identifying the concrete type.
	messageToken() int16
}

// Transport carries serialized messages between address spaces. The
// protocol assumes eventual delivery; retry and timeout are the
// transport's concern, not the protocol's.
type Transport interface {
	// SendTo delivers data to the runtime at target. Delivery is
	// asynchronous; SendTo returns once the message is queued.
	SendTo(target AddressSpaceID, data []byte) error
	// Close releases the transport's resources.
	Close() error
}

// NopTransport represents a Transport that doesn't do anything.
var NopTransport Transport = &nopTransport{}

type nopTransport struct{}

// SendTo is a no-op implementation of the Transport SendTo method.
func (*nopTransport) SendTo(AddressSpaceID, []byte) error { return nil }

// Close is a no-op implementation of the Transport Close method.
func (*nopTransport) Close() error { return nil }
