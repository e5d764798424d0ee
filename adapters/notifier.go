package adapters

import (
	"selfsigned-mqtt/application"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

type sessionEventKind int

const (
	eventConnectionLost sessionEventKind = iota
	eventMessageArrived
	eventDeliveryComplete
)

func (k sessionEventKind) String() string {
	switch k {
	case eventConnectionLost:
		return "connection_lost"
	case eventMessageArrived:
		return "message_arrived"
	case eventDeliveryComplete:
		return "delivery_complete"
	default:
		return "unknown"
	}
}

type sessionEvent struct {
	kind sessionEventKind

	cause   error
	topic   string
	payload []byte
	token   application.DeliveryToken
}

// notifier hands session events to a single goroutine in the order they were pushed.
// The queue is unbounded so transport callbacks never block and nothing is dropped.
type notifier struct {
	deliver func(sessionEvent)

	queue  []sessionEvent
	closed bool
	mu     sync.Mutex

	wake    chan struct{}
	stopped chan struct{}

	log zerolog.Logger
}

func newNotifier(deliver func(sessionEvent), log zerolog.Logger) *notifier {
	n := &notifier{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		log:     log,
	}
	go n.run()
	return n
}

// push enqueues an event. It returns false once the notifier has been closed.
func (n *notifier) push(e sessionEvent) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.queue = append(n.queue, e)
	n.mu.Unlock()

	n.signal()
	return true
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.stopped)

	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-n.wake
			continue
		}

		for _, e := range batch {
			n.dispatch(e)
		}
	}
}

func (n *notifier) dispatch(e sessionEvent) {
	var pc panics.Catcher
	pc.Try(func() {
		n.deliver(e)
	})

	if r := pc.Recovered(); r != nil {
		n.log.Error().
			Str("event", e.kind.String()).
			Interface("panic", r.Value).
			Msg("session handler panic recovered")
	}
}

// close delivers everything already queued and then stops the goroutine. It must not be
// called from inside a handler.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.signal()
	<-n.stopped
}
