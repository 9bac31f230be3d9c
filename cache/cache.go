// Package cache is the process-lifetime entity store behind the gateway
// client. Entries are addressed by composite string keys, kept in insertion
// order, and never expire.
package cache

import (
	"strings"
	"sync"
)

// Cache maps composite keys to arbitrary values. Safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	keys  []string
	items map[string]any
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{items: make(map[string]any)}
}

// Set stores v under key. An existing key keeps its position; last write wins.
func (c *Cache) Set(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.items[key] = v
}

// Get returns the value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.keys[:0]
	n := 0
	for _, k := range c.keys {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
			n++
			continue
		}
		kept = append(kept, k)
	}
	c.keys = kept
	return n
}

// Keys returns a copy of all keys in insertion order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Lookup returns the value under key if it exists and has type T.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// GuildKey returns the key of a guild: "guild.<id>".
func GuildKey(guildID string) string { return "guild." + guildID }

// MemberKey returns the key of a guild member: "guild.<gid>.members.<uid>".
func MemberKey(guildID, userID string) string {
	return "guild." + guildID + ".members." + userID
}

// MemberPrefix returns the prefix shared by all member keys of a guild.
func MemberPrefix(guildID string) string { return "guild." + guildID + ".members." }

// ChannelKey returns the key of a channel: "channels.<id>".
func ChannelKey(channelID string) string { return "channels." + channelID }

// VoiceStateKey returns the key of a user's voice state in a guild.
func VoiceStateKey(guildID, userID string) string {
	return "voice_states." + guildID + "." + userID
}
