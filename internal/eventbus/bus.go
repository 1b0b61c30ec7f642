package eventbus

import (
	"context"
	"sync"

	"pkt.systems/accountdeck/schema"
	"pkt.systems/pslog"
)

// AllAccounts subscribes to events of every account.
const AllAccounts schema.AccountID = ""

// Event is an engine event tagged with its position in the bus.
type Event struct {
	ID uint64
	schema.Event
}

// Bus fans engine events out to per-account subscribers and keeps a short
// history for replay.
type Bus struct {
	mu      sync.Mutex
	subs    map[schema.AccountID]map[chan Event]struct{}
	log     pslog.Logger
	depth   int
	seq     uint64
	history []Event
	keep    int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.AccountID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
		keep:  512,
	}
}

// Subscribe registers a subscriber for the account, or for every account when
// id is AllAccounts, and returns a channel + cancel.
func (b *Bus) Subscribe(id schema.AccountID) (<-chan Event, func()) {
	ch, _, cancel := b.SubscribeFrom(id, 0)
	return ch, cancel
}

// SubscribeFrom registers a subscriber and also returns the retained events
// with an ID greater than after, so a reconnecting client misses nothing.
func (b *Bus) SubscribeFrom(id schema.AccountID, after uint64) (<-chan Event, []Event, func()) {
	if b == nil {
		return nil, nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	accountSubs := b.subs[id]
	if accountSubs == nil {
		accountSubs = make(map[chan Event]struct{})
		b.subs[id] = accountSubs
	}
	accountSubs[ch] = struct{}{}
	count := len(accountSubs)
	var replay []Event
	if after > 0 {
		for _, ev := range b.history {
			if ev.ID > after && (id == AllAccounts || ev.AccountID == id) {
				replay = append(replay, ev)
			}
		}
	}
	b.mu.Unlock()
	b.log.With("account", id).Debug("eventbus subscribe", "subs", count, "replay", len(replay))
	var once sync.Once
	return ch, replay, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[id]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, id)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.With("account", id).Debug("eventbus unsubscribe")
		})
	}
}

// Publish implements schema.EventSink. It never blocks; slow subscribers drop events.
func (b *Bus) Publish(event schema.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.seq++
	ev := Event{ID: b.seq, Event: event}
	b.history = append(b.history, ev)
	if len(b.history) > b.keep {
		b.history = append([]Event(nil), b.history[len(b.history)-b.keep:]...)
	}
	subs := make([]chan Event, 0, len(b.subs[event.AccountID])+len(b.subs[AllAccounts]))
	for sub := range b.subs[event.AccountID] {
		subs = append(subs, sub)
	}
	if event.AccountID != AllAccounts {
		for sub := range b.subs[AllAccounts] {
			subs = append(subs, sub)
		}
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
			dropped++
		}
	}
	b.mu.Unlock()
	if dropped > 0 {
		b.log.With("account", event.AccountID).Trace("eventbus dropped", "count", dropped, "type", event.Type)
	}
}

// LastID returns the ID of the most recent event.
func (b *Bus) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
