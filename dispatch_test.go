package discordgw

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluequeen/discordgw/cache"
	"github.com/bluequeen/discordgw/frame"
	"github.com/bluequeen/discordgw/state"
)

func newTestClient(t *testing.T, mut func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Token: "tok",
		Gateway: GatewayFunc(func(context.Context) (string, error) {
			return "ws://127.0.0.1:1", nil
		}),
	}
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func dispatchFrame(t *testing.T, event string, d any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"op": 0, "t": event, "s": 1, "d": d})
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	return data
}

func mustProcess(t *testing.T, c *Client, data []byte) {
	t.Helper()
	if err := c.process(data); err != nil {
		t.Fatalf("process: %v", err)
	}
}

// recorder collects notifications by name.
type recorder struct {
	mu  sync.Mutex
	got map[string][]Notification
}

func record(c *Client, names ...string) *recorder {
	r := &recorder{got: make(map[string][]Notification)}
	for _, name := range names {
		c.On(name, func(n Notification) {
			r.mu.Lock()
			r.got[n.Name] = append(r.got[n.Name], n)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[name])
}

func (r *recorder) last(name string) Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := r.got[name]
	if len(ns) == 0 {
		return Notification{}
	}
	return ns[len(ns)-1]
}

var readyWithUnavailable = map[string]any{
	"v":          4,
	"user":       map[string]any{"id": "99", "username": "bot"},
	"session_id": "s1",
	"guilds": []map[string]any{
		{"id": "1", "unavailable": true},
		{"id": "2", "unavailable": true},
		{"id": "3", "name": "three"},
	},
}

func TestBootstrapWaitsForUnavailableGuilds(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, NotifyReady, NotifyUnavailable, NotifyAvailable)

	mustProcess(t, c, dispatchFrame(t, "READY", readyWithUnavailable))
	if r.count(NotifyReady) != 0 {
		t.Fatal("ready must wait for unavailable guilds")
	}
	if r.count(NotifyUnavailable) != 2 {
		t.Errorf("unavailable: got %d, want 2", r.count(NotifyUnavailable))
	}
	if c.boot.Pending() != 2 {
		t.Errorf("pending: got %d, want 2", c.boot.Pending())
	}
	if c.ConnState() != StateBootstrapping {
		t.Errorf("state: got %v, want bootstrapping", c.ConnState())
	}
	if _, ok := c.Snapshot().Guild("3"); !ok {
		t.Error("available guild from READY should be in the snapshot")
	}
	if c.UserID() != "99" {
		t.Errorf("user id: got %q", c.UserID())
	}

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "1", "name": "one"}))
	if r.count(NotifyReady) != 0 {
		t.Fatal("ready fired with a guild still pending")
	}
	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "2", "name": "two"}))
	if r.count(NotifyReady) != 1 {
		t.Fatalf("ready: got %d, want 1", r.count(NotifyReady))
	}
	if r.count(NotifyAvailable) != 2 {
		t.Errorf("available: got %d, want 2", r.count(NotifyAvailable))
	}
	if n := len(r.last(NotifyReady).Next.Guilds); n != 3 {
		t.Errorf("ready snapshot guilds: got %d, want 3", n)
	}
	if c.ConnState() != StateReady {
		t.Errorf("state: got %v, want ready", c.ConnState())
	}

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "3", "name": "three"}))
	if r.count(NotifyReady) != 1 {
		t.Error("ready must fire only once")
	}
}

func TestBootstrapSingleUnavailableIsImmediate(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, NotifyReady, NotifyAvailable)

	mustProcess(t, c, dispatchFrame(t, "READY", map[string]any{
		"user":   map[string]any{"id": "99"},
		"guilds": []map[string]any{{"id": "1", "unavailable": true}},
	}))
	if r.count(NotifyReady) != 1 {
		t.Fatalf("ready: got %d, want 1", r.count(NotifyReady))
	}

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "1", "name": "one"}))
	if r.count(NotifyAvailable) != 1 || r.last(NotifyAvailable).GuildID != "1" {
		t.Error("late guild should still raise available")
	}
	if r.count(NotifyReady) != 1 {
		t.Error("ready must not fire again")
	}
}

func TestBootstrapTimeoutForcesReady(t *testing.T) {
	c := newTestClient(t, func(cfg *Config) { cfg.UnavailableTimeout = 30 * time.Millisecond })
	ready := make(chan Notification, 1)
	c.On(NotifyReady, func(n Notification) { ready <- n })
	r := record(c, NotifyAvailable)

	mustProcess(t, c, dispatchFrame(t, "READY", readyWithUnavailable))
	select {
	case n := <-ready:
		if len(n.Next.Guilds) != 1 {
			t.Errorf("forced ready snapshot: got %d guilds, want 1", len(n.Next.Guilds))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not force ready")
	}

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "1", "name": "one"}))
	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "2", "name": "two"}))
	if r.count(NotifyAvailable) != 2 {
		t.Errorf("available: got %d, want 2", r.count(NotifyAvailable))
	}
	select {
	case <-ready:
		t.Error("ready fired twice")
	default:
	}
}

func TestReadyAfterReconnectSkipsBootstrap(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, NotifyReady)

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "7", "name": "kept"}))
	before := c.Snapshot()

	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	mustProcess(t, c, dispatchFrame(t, "READY", readyWithUnavailable))

	if r.count(NotifyReady) != 0 {
		t.Error("a reconnect READY must not raise ready")
	}
	if c.Snapshot() != before {
		t.Error("a reconnect READY must keep the snapshot")
	}
	if c.ConnState() != StateReady {
		t.Errorf("state: got %v, want ready", c.ConnState())
	}
}

func TestPresenceUpdateThroughClient(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, string(state.EventPresenceUpdate))

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{
		"id":        "1",
		"name":      "g",
		"members":   []map[string]any{{"user": map[string]any{"id": "42", "username": "ann"}}},
		"presences": []map[string]any{{"user": map[string]any{"id": "42"}, "status": "online"}},
	}))
	mustProcess(t, c, dispatchFrame(t, "PRESENCE_UPDATE", map[string]any{
		"guild_id": "1",
		"user":     map[string]any{"id": "42"},
		"status":   "idle",
		"game":     map[string]any{"name": "chess"},
	}))

	n := r.last(string(state.EventPresenceUpdate))
	if n.Prev == nil || n.Next == nil {
		t.Fatal("presence notification should carry both snapshots")
	}
	prevGuild, _ := n.Prev.Guild("1")
	prevMember, _ := prevGuild.Member("42")
	if prevMember.Status != "online" {
		t.Errorf("prev status: got %q, want online", prevMember.Status)
	}

	g, _ := c.Snapshot().Guild("1")
	m, ok := g.Member("42")
	if !ok {
		t.Fatal("member missing")
	}
	if m.Status != "idle" || m.Activity == nil || m.Activity.Name != "chess" {
		t.Errorf("member: got %+v", m)
	}
	cached, ok := cache.Lookup[*state.Member](c.Cache(), cache.MemberKey("1", "42"))
	if !ok || cached.Status != "idle" {
		t.Errorf("cached member: got %+v, %v", cached, ok)
	}
}

func TestUnavailableGuildDelete(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, NotifyUnavailable, string(state.EventGuildDelete))

	mustProcess(t, c, dispatchFrame(t, "GUILD_CREATE", map[string]any{"id": "5", "name": "five"}))
	mustProcess(t, c, dispatchFrame(t, "GUILD_DELETE", map[string]any{"id": "5", "unavailable": true}))

	if _, ok := c.Snapshot().Guild("5"); ok {
		t.Error("unavailable guild should leave the snapshot")
	}
	if _, ok := c.Cache().Get(cache.GuildKey("5")); ok {
		t.Error("unavailable guild should leave the cache")
	}
	if r.count(NotifyUnavailable) != 1 || r.last(NotifyUnavailable).GuildID != "5" {
		t.Errorf("unavailable notification: %+v", r.last(NotifyUnavailable))
	}
	if r.count(string(state.EventGuildDelete)) != 0 {
		t.Error("an outage must not be reported as a delete")
	}
}

func TestMentionFollowsMessage(t *testing.T) {
	c := newTestClient(t, func(cfg *Config) { cfg.UserID = "99" })

	var order []string
	for _, name := range []string{string(state.EventMessageCreate), NotifyMessage, NotifyMention} {
		c.On(name, func(n Notification) { order = append(order, n.Name) })
	}

	msg := func(content string) []byte {
		return dispatchFrame(t, "MESSAGE_CREATE", map[string]any{
			"id": "m1", "channel_id": "10", "content": content,
			"author": map[string]any{"id": "42"},
		})
	}

	mustProcess(t, c, msg("hello <@99>"))
	want := []string{"MESSAGE_CREATE", "message", "mention"}
	if len(order) != len(want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: got %v, want %v", order, want)
		}
	}

	order = nil
	mustProcess(t, c, msg("hey <@!99>"))
	if len(order) != 3 {
		t.Errorf("nick mention: got %v", order)
	}

	order = nil
	mustProcess(t, c, msg("no ping <@100>"))
	if len(order) != 2 {
		t.Errorf("plain message: got %v", order)
	}
}

func TestProcessControlFrames(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, NotifyError, NotifyRaw, NotifyHeartbeat)

	if err := c.process([]byte(`not json`)); err != nil {
		t.Errorf("malformed frames must not end the connection: %v", err)
	}
	if r.count(NotifyError) != 1 {
		t.Errorf("error notifications: got %d, want 1", r.count(NotifyError))
	}

	mustProcess(t, c, []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`))
	c.mu.Lock()
	hello := c.helloInterval
	c.mu.Unlock()
	if hello != 41250*time.Millisecond {
		t.Errorf("hello interval: got %v", hello)
	}

	mustProcess(t, c, []byte(`{"op":1,"d":null}`))
	if r.count(NotifyHeartbeat) != 1 {
		t.Error("op 1 should trigger an immediate heartbeat")
	}
	select {
	case data := <-c.out:
		if string(data[:7]) != `{"op":1` {
			t.Errorf("queued frame: %s", data)
		}
	default:
		t.Error("heartbeat was not queued")
	}

	if err := c.process([]byte(`{"op":7,"d":null}`)); !errors.Is(err, errReconnectRequested) {
		t.Errorf("op 7: got %v", err)
	}
	if err := c.process([]byte(`{"op":9,"d":false}`)); !errors.Is(err, errInvalidSession) {
		t.Errorf("op 9: got %v", err)
	}
	if r.count(NotifyRaw) != 4 {
		t.Errorf("raw notifications: got %d, want 4", r.count(NotifyRaw))
	}
}

func TestMalformedDispatchKeepsSnapshot(t *testing.T) {
	c := newTestClient(t, nil)
	r := record(c, NotifyError)
	before := c.Snapshot()

	mustProcess(t, c, dispatchFrame(t, "GUILD_MEMBER_ADD", map[string]any{"guild_id": "1"}))
	if c.Snapshot() != before {
		t.Error("malformed payload should not publish a snapshot")
	}
	if !errors.Is(r.last(NotifyError).Err, state.ErrMalformedPayload) {
		t.Errorf("error: got %v", r.last(NotifyError).Err)
	}
}

func TestInterceptorRemoveIsIdempotent(t *testing.T) {
	c := newTestClient(t, nil)
	var first, second int
	removeFirst := c.addInterceptor(func(frame.Envelope) { first++ })
	removeSecond := c.addInterceptor(func(frame.Envelope) { second++ })
	defer removeSecond()

	removeFirst()
	removeFirst()
	if c.interceptorCount() != 1 {
		t.Fatalf("interceptors: got %d, want 1", c.interceptorCount())
	}

	mustProcess(t, c, []byte(`{"op":11}`))
	if first != 0 || second != 1 {
		t.Errorf("calls: first %d, second %d; want 0 and 1", first, second)
	}
}
