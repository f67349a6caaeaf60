// Package bus is the single typed event channel the Fetcher and Refresh
// Engine publish to and a renderer consumes, decoupling download/refresh
// work from however the CLI chooses to present it.
package bus

// Kind discriminates an Event's payload.
type Kind int

const (
	NewGlobalProgressBar Kind = iota
	GlobalProgressSet
	GlobalProgressInc
	NewProgressSpinner
	NewProgressBar
	ProgressInc
	ProgressDone
	NextURL
	ChecksumMismatch
	DownloadDone
	Failed
	AllDone
)

// Event is the union of every refresh- and download-path event. Only the
// fields relevant to Kind are populated; this mirrors a tagged union with a
// flat struct, which is the shape the teacher's own log.Handler attribute
// list already favors over one interface type per event.
type Event struct {
	Kind    Kind
	Index   int
	Message string
	Total   int64
	Delta   int64
	File    string
	Attempt int
	Err     error
}

// Bus is an unbounded multi-producer/single-consumer event channel. It is
// unbounded (a growable slice behind the scenes) so a slow renderer never
// backpressures the Fetcher's worker pool the way a fixed-size channel
// would.
type Bus struct {
	in     chan Event
	out    chan Event
	buffer []Event
	closed chan struct{}
}

// New starts a Bus's buffering goroutine and returns it ready to use.
func New() *Bus {
	b := &Bus{
		in:     make(chan Event, 64),
		out:    make(chan Event),
		closed: make(chan struct{}),
	}
	go b.pump()
	return b
}

// pump implements the unbounded channel: it never blocks Send, buffering
// internally and draining to out as the consumer keeps up.
func (b *Bus) pump() {
	defer close(b.out)
	defer close(b.closed)

	for {
		if len(b.buffer) == 0 {
			e, ok := <-b.in
			if !ok {
				return
			}
			b.buffer = append(b.buffer, e)
			continue
		}

		select {
		case e, ok := <-b.in:
			if !ok {
				for _, e := range b.buffer {
					b.out <- e
				}
				return
			}
			b.buffer = append(b.buffer, e)
		case b.out <- b.buffer[0]:
			b.buffer = b.buffer[1:]
		}
	}
}

// Send publishes an event. Safe for concurrent callers.
func (b *Bus) Send(e Event) {
	b.in <- e
}

// Events returns the consumer-side channel. Exactly one goroutine should
// range over it.
func (b *Bus) Events() <-chan Event {
	return b.out
}

// Close signals no more events will be sent and waits for the pump to drain.
func (b *Bus) Close() {
	close(b.in)
	<-b.closed
}
