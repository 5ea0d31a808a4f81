package review

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/shadow-review/pkg/logging"
)

// Event is pushed to stream subscribers after every committed change.
type Event struct {
	Type       string     `json:"type"`
	Transition string     `json:"transition,omitempty"`
	ItemID     string     `json:"item_id,omitempty"`
	FromStatus Status     `json:"from_status,omitempty"`
	ToStatus   Status     `json:"to_status,omitempty"`
	Actor      string     `json:"actor,omitempty"`
	Item       *QueueItem `json:"item,omitempty"`
	At         time.Time  `json:"at"`
}

const subscriberBuffer = 32

// Broadcaster fans events out to subscribers. Slow subscribers miss events
// instead of blocking publishers.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	logger *logging.Logger
}

func NewBroadcaster(logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Default()
	}
	return &Broadcaster{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns an event channel and a cancel func that closes it.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("review stream subscriber lagging, dropping event", "subscriber", id, "item_id", evt.ItemID)
		}
	}
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// ServeStream upgrades to a websocket and forwards events until the client goes away.
func (b *Broadcaster) ServeStream(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		b.serveWS(conn)
	}).ServeHTTP(w, r)
}

func (b *Broadcaster) serveWS(conn *websocket.Conn) {
	events, cancel := b.Subscribe()
	defer cancel()

	if err := websocket.JSON.Send(conn, Event{Type: "hello", At: time.Now().UTC()}); err != nil {
		return
	}

	// reader detects client close; inbound frames are ignored
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		var discard map[string]any
		for {
			if err := websocket.JSON.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			b.logger.Debug("review stream: connection closed")
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, evt); err != nil {
				b.logger.Debug("review stream: send failed", "error", err)
				return
			}
		}
	}
}
