// Package pvapubsub is the status publisher (C7): a per-certificate
// monitor/subscribe topic plus a request/response endpoint, standing in
// for the PVA network's pub/sub and RPC planes (an external collaborator
// per spec.md §1 and §5 "boundaries").
//
// Grounded on the teacher's api/api.go (chi.Router construction, the
// functional-options New(...) pattern, slog-based audit logging) adapted
// from ironhand's REST vault surface to a retained-value pub/sub bus plus
// a narrow admin PUT endpoint.
package pvapubsub

import (
	"sync"

	"github.com/jmcleod/pvacms/certstatus"
)

// Bus is an in-process retained-value pub/sub: Publish stores the latest
// CertificateStatus per topic and fans it out to current subscribers;
// Subscribe immediately receives the retained value if one exists, per
// spec.md §4.7 "Retains last value for late subscribers."
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topicState
}

type topicState struct {
	retained certstatus.CertificateStatus
	hasValue bool
	subs     map[chan certstatus.CertificateStatus]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topicState)}
}

func (b *Bus) state(topic string) *topicState {
	if st, ok := b.topics[topic]; ok {
		return st
	}
	st := &topicState{subs: make(map[chan certstatus.CertificateStatus]struct{})}
	b.topics[topic] = st
	return st
}

// Publish stores status as topic's retained value and delivers it to every
// current subscriber. Delivery is non-blocking: a subscriber whose channel
// is full misses this update but keeps its subscription (the retained
// value always reflects the latest status for a fresh Get/Subscribe).
func (b *Bus) Publish(topic string, status certstatus.CertificateStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(topic)
	st.retained = status
	st.hasValue = true
	for ch := range st.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// Get returns topic's retained value, if any (the GET side of spec.md
// §4.7's request/response endpoint).
func (b *Bus) Get(topic string) (certstatus.CertificateStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.topics[topic]
	if !ok || !st.hasValue {
		return certstatus.CertificateStatus{}, false
	}
	return st.retained, true
}

// Subscribe registers a channel for topic and returns it along with the
// retained value if one is already present. Call the returned function when
// done: it removes the subscription and closes the channel, and is safe to
// call more than once.
func (b *Bus) Subscribe(topic string) (<-chan certstatus.CertificateStatus, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(topic)
	ch := make(chan certstatus.CertificateStatus, 1)
	st.subs[ch] = struct{}{}
	if st.hasValue {
		ch <- st.retained
	}
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if st, ok := b.topics[topic]; ok {
			if _, subscribed := st.subs[ch]; subscribed {
				delete(st.subs, ch)
				close(ch)
			}
		}
	}
}
