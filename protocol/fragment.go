package protocol

import "sync"

// Fragment is one discrete unit delivered by the transport. Every fragment carries exactly one
// piece of a Message: its header, metadata, content, a buffer header or a buffer payload.
type Fragment struct {
	Binary bool
	Data   []byte
}

func TextFragment(data []byte) Fragment {
	return Fragment{Data: data}
}

func BinaryFragment(data []byte) Fragment {
	return Fragment{Binary: true, Data: data}
}

func (f Fragment) Kind() string {
	if f.Binary {
		return "binary"
	}

	return "text"
}

// FragmentWriter is a connection that messages can be sent over.
//
// The Locker is the connection's write lock. Send holds it while it writes every fragment of
// one message so that fragments of concurrently sent messages never interleave on the wire.
type FragmentWriter interface {
	sync.Locker

	WriteFragment(f Fragment) (int, error)
}
