package notify

import (
	"slices"
	"sync"
	"time"
)

// Recipient is a chat subscribed to alerts.
type Recipient struct {
	ChatID int64     `json:"chat_id"`
	Muted  bool      `json:"muted"`
	Joined time.Time `json:"joined"`
}

// Registry tracks subscribed chats. It lives in memory only.
type Registry struct {
	mu    sync.RWMutex
	chats map[int64]*Recipient
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{chats: make(map[int64]*Recipient)}
}

// Subscribe adds or resets a chat, unmuted.
func (r *Registry) Subscribe(chatID int64, now time.Time) {
	r.mu.Lock()
	r.chats[chatID] = &Recipient{ChatID: chatID, Joined: now}
	r.mu.Unlock()
}

// SetMuted changes a subscribed chat's mute flag. Unknown chats are ignored.
func (r *Registry) SetMuted(chatID int64, muted bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.chats[chatID]
	if ok {
		rc.Muted = muted
	}
	return ok
}

// Muted reports a chat's mute flag; unknown chats are not muted.
func (r *Registry) Muted(chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.chats[chatID]
	return ok && rc.Muted
}

// Active returns the unmuted chat ids in ascending order.
func (r *Registry) Active() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.chats))
	for id, rc := range r.chats {
		if !rc.Muted {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of subscribed chats.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}
