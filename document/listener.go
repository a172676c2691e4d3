package document

import "sync"

// listener hands updates to one subscriber in order. Updates queue without bound, so the
// writer of a patch never waits on a subscriber that is slow to read.
type listener struct {
	mu      sync.Mutex
	pending []*Update

	// wake holds at most one signal that pending has grown
	wake chan struct{}

	// quit is closed when the subscriber goes away
	quit     chan struct{}
	quitOnce sync.Once

	out chan *Update
}

func newListener() *listener {
	l := &listener{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan *Update, UpdateBufferSize),
	}

	go l.run()
	return l
}

func (l *listener) push(update *Update) {
	l.mu.Lock()
	l.pending = append(l.pending, update)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// stop drops anything still queued and closes out.
func (l *listener) stop() {
	l.quitOnce.Do(func() { close(l.quit) })
}

func (l *listener) run() {
	defer close(l.out)

	for {
		select {
		case <-l.quit:
			return

		case <-l.wake:
		}

		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, update := range batch {
			select {
			case l.out <- update:
			case <-l.quit:
				return
			}
		}
	}
}
