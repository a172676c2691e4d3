package protocol_test

import (
	"errors"
	"sync"

	"github.com/luma/docsync/protocol"
)

// recordingConn records every fragment written to it and refuses writes made without
// holding its write lock.
type recordingConn struct {
	mu     sync.Mutex
	locked bool

	fragments []protocol.Fragment
	locks     int

	// failOn makes the nth write (1-based) fail, when non zero
	failOn int
}

func (c *recordingConn) Lock() {
	c.mu.Lock()
	c.locked = true
	c.locks++
}

func (c *recordingConn) Unlock() {
	c.locked = false
	c.mu.Unlock()
}

func (c *recordingConn) WriteFragment(f protocol.Fragment) (int, error) {
	if !c.locked {
		return 0, errors.New("write without holding the write lock")
	}

	if c.failOn > 0 && len(c.fragments)+1 == c.failOn {
		return 0, errors.New("broken pipe")
	}

	c.fragments = append(c.fragments, f)
	return len(f.Data), nil
}

var _ protocol.FragmentWriter = (*recordingConn)(nil)
