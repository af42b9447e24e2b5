/*
Package notify fans out "referrerBalanceChanged" events to live subscribers.

DELIVERY:
  Best effort. Each subscriber has a small buffer; when it is full the event
  is dropped for that subscriber and counted. Dashboards re-read balances on
  reconnect, so a dropped push never affects money correctness.

USAGE:
  hub := notify.NewHub(logger)
  events, cancel := hub.Subscribe("usr-1")
  defer cancel()
  for ev := range events { ... }
*/
package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/logging"
)

const subscriberBuffer = 16

// Hub implements referral.Publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[generic.ReferrerID]map[*subscriber]struct{}
	all     map[*subscriber]struct{}
	dropped atomic.Int64
	logger  *zap.Logger
}

type subscriber struct {
	ch chan generic.BalanceChanged
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[generic.ReferrerID]map[*subscriber]struct{}),
		all:    make(map[*subscriber]struct{}),
		logger: logging.OrNop(logger),
	}
}

// Subscribe returns a channel of events for one referrer. An empty id
// subscribes to every referrer. cancel closes the channel.
func (h *Hub) Subscribe(id generic.ReferrerID) (<-chan generic.BalanceChanged, func()) {
	s := &subscriber{ch: make(chan generic.BalanceChanged, subscriberBuffer)}

	h.mu.Lock()
	if id == "" {
		h.all[s] = struct{}{}
	} else {
		if h.subs[id] == nil {
			h.subs[id] = make(map[*subscriber]struct{})
		}
		h.subs[id][s] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if id == "" {
				delete(h.all, s)
			} else {
				delete(h.subs[id], s)
				if len(h.subs[id]) == 0 {
					delete(h.subs, id)
				}
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish never blocks.
func (h *Hub) Publish(ev generic.BalanceChanged) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[ev.ReferrerID] {
		h.send(s, ev)
	}
	for s := range h.all {
		h.send(s, ev)
	}
}

func (h *Hub) send(s *subscriber, ev generic.BalanceChanged) {
	select {
	case s.ch <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Debug("balance event dropped, subscriber buffer full",
			zap.String("referrer_id", string(ev.ReferrerID)))
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.all)
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Dropped returns how many events were dropped on full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
