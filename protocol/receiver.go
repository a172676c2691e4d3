package protocol

import "fmt"

type consumer int

const (
	expectHeader consumer = iota
	expectMetadata
	expectContent
	expectBufferHeader
	expectBufferPayload
)

func (c consumer) String() string {
	switch c {
	case expectHeader:
		return "HEADER"
	case expectMetadata:
		return "METADATA"
	case expectContent:
		return "CONTENT"
	case expectBufferHeader:
		return "BUFFER_HEADER"
	case expectBufferPayload:
		return "BUFFER_PAYLOAD"
	default:
		return "UNKNOWN"
	}
}

// Receiver turns a stream of fragments into complete messages.
//
// Fragments must arrive in the order header, metadata, content, then a buffer header and
// binary payload pair for each buffer the header declares. A Receiver is not safe for
// concurrent use; each connection owns one and reuses it for every message.
//
// After any error the Receiver drops the partial message and expects a header again. The
// connection is expected to close, as the fragment stream cannot be resynchronised.
type Receiver struct {
	protocol *Protocol

	current   consumer
	fragments [][]byte
	partial   *Message
	bufHeader []byte
}

func NewReceiver(protocol *Protocol) *Receiver {
	return &Receiver{protocol: protocol}
}

// Consume feeds one fragment to the receiver. It returns the message once its final
// fragment has been consumed, and nil before that.
func (r *Receiver) Consume(f Fragment) (msg *Message, err error) {
	defer func() {
		if err != nil {
			r.reset()
		}
	}()

	if f.Binary != (r.current == expectBufferPayload) {
		return nil, fmt.Errorf("%w: got %s fragment while expecting %s",
			ErrUnexpectedFragment, f.Kind(), r.current)
	}

	switch r.current {
	case expectHeader:
		r.reset()
		r.fragments = append(r.fragments, f.Data)
		r.current = expectMetadata
		return nil, nil

	case expectMetadata:
		r.fragments = append(r.fragments, f.Data)
		r.current = expectContent
		return nil, nil

	case expectContent:
		r.fragments = append(r.fragments, f.Data)

		partial, err := r.protocol.Assemble(r.fragments[0], r.fragments[1], r.fragments[2])
		if err != nil {
			return nil, err
		}

		r.partial = partial
		return r.checkComplete(), nil

	case expectBufferHeader:
		r.bufHeader = f.Data
		r.current = expectBufferPayload
		return nil, nil

	case expectBufferPayload:
		if err := r.partial.AssembleBuffer(r.bufHeader, f.Data); err != nil {
			return nil, err
		}

		r.bufHeader = nil
		return r.checkComplete(), nil
	}

	return nil, fmt.Errorf("receiver is in an unknown state %d", r.current)
}

// Expecting reports which fragment the receiver wants next.
func (r *Receiver) Expecting() string {
	return r.current.String()
}

func (r *Receiver) checkComplete() *Message {
	if !r.partial.Complete() {
		r.current = expectBufferHeader
		return nil
	}

	msg := r.partial
	r.reset()
	return msg
}

func (r *Receiver) reset() {
	r.current = expectHeader
	r.fragments = r.fragments[:0]
	r.partial = nil
	r.bufHeader = nil
}
