package gate

import (
	"sort"
	"sync"

	"github.com/user/pushrelay/internal/types"
)

// Registry indexes authenticated channels by push id and push ids by channel,
// so either side can be removed without a scan.
type Registry struct {
	mu        sync.RWMutex
	byPush    map[string]Channel
	byChannel map[types.ChannelID]string
}

func NewRegistry() *Registry {
	return &Registry{
		byPush:    make(map[string]Channel),
		byChannel: make(map[types.ChannelID]string),
	}
}

// Put registers ch for pushID. The last registration wins: a channel
// previously held for pushID is dropped from the index and returned.
func (r *Registry) Put(pushID string, ch Channel) (evicted Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byPush[pushID]; ok && old.ID() != ch.ID() {
		delete(r.byChannel, old.ID())
		evicted = old
	}
	if prev, ok := r.byChannel[ch.ID()]; ok && prev != pushID {
		delete(r.byPush, prev)
	}
	r.byPush[pushID] = ch
	r.byChannel[ch.ID()] = pushID
	return evicted
}

// Remove drops whatever push id channelID is registered under.
func (r *Registry) Remove(channelID types.ChannelID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pushID, ok := r.byChannel[channelID]
	if !ok {
		return "", false
	}
	delete(r.byChannel, channelID)
	delete(r.byPush, pushID)
	return pushID, true
}

func (r *Registry) Lookup(pushID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byPush[pushID]
	return ch, ok
}

func (r *Registry) PushIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byPush))
	for id := range r.byPush {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPush)
}
