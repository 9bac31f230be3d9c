package discordgw

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bluequeen/discordgw/frame"
	"github.com/bluequeen/discordgw/state"
	"github.com/bluequeen/discordgw/wire"
)

// process handles one decoded-to-text inbound frame. A non-nil error ends
// the current connection.
func (c *Client) process(data []byte) error {
	env, err := frame.Decode(data)
	if err != nil {
		c.malformed(err, "")
		return nil
	}
	c.metrics.frames.WithLabelValues(strconv.Itoa(int(env.Op))).Inc()
	c.bus.emit(Notification{Name: NotifyRaw, Event: env.Type, Raw: json.RawMessage(data)})

	var result error
	switch env.Op {
	case frame.OpDispatch:
		c.dispatch(env)
	case frame.OpHello:
		var hello wire.Hello
		if err := json.Unmarshal(env.Data, &hello); err != nil {
			c.malformed(err, "HELLO")
			break
		}
		c.mu.Lock()
		c.helloInterval = time.Duration(hello.HeartbeatInterval) * time.Millisecond
		c.mu.Unlock()
	case frame.OpHeartbeat:
		c.beat()
	case frame.OpHeartbeatAck:
		c.mu.Lock()
		c.lastAck = time.Now()
		c.mu.Unlock()
		c.log.Debug("heartbeat acknowledged")
	case frame.OpReconnect:
		result = errReconnectRequested
	case frame.OpInvalidSession:
		result = errInvalidSession
	}

	c.intercept(env)
	return result
}

func (c *Client) dispatch(env frame.Envelope) {
	if frame.Unavailable(env.Data) {
		c.markUnavailable(env)
		return
	}
	if env.Type == string(state.EventReady) {
		c.handleReady(env)
		return
	}

	entry, ok := c.registry.Lookup(env.Type)
	if !ok {
		c.log.Debug("unhandled dispatch", "event", env.Type)
		return
	}
	part, err := entry.Handler.Parse(env.Data)
	if err != nil {
		c.malformed(err, env.Type)
		return
	}

	c.mu.Lock()
	prev := c.snap
	next := entry.Handler.Apply(part, prev)
	if ix, ok := entry.Handler.(state.Indexer); ok {
		ix.Index(part, next, c.cache)
	}
	c.snap = next
	vs := c.voice
	c.mu.Unlock()

	c.metrics.events.WithLabelValues(env.Type).Inc()

	n := Notification{Name: env.Type, Event: env.Type, Part: part, Prev: prev, Next: next}
	c.bus.emit(n)
	for _, alias := range entry.Aliases {
		n.Name = alias
		c.bus.emit(n)
	}

	switch p := part.(type) {
	case *wire.Message:
		if c.mentioned(p) {
			n.Name = NotifyMention
			c.bus.emit(n)
		}
	case *wire.VoiceState:
		if vs != nil {
			vs.HandleVoiceStateUpdate(*p)
		}
	case *wire.Guild:
		if env.Type == string(state.EventGuildCreate) {
			c.boot.available(p.ID)
		}
	}
}

// markUnavailable handles a guild payload carrying the unavailable marker.
// GUILD_DELETE of that shape is an outage rather than a removal; the guild
// leaves the snapshot until it is created again.
func (c *Client) markUnavailable(env frame.Envelope) {
	var g struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &g); err != nil || g.ID == "" {
		c.malformed(errors.Join(state.ErrMalformedPayload, err), env.Type)
		return
	}
	if env.Type == string(state.EventGuildDelete) {
		c.mu.Lock()
		if old, ok := c.snap.Guild(g.ID); ok {
			state.UnindexGuild(c.cache, old)
		}
		c.snap = c.snap.WithoutGuild(g.ID)
		c.mu.Unlock()
		c.log.Warn("guild became unavailable", "guild", g.ID)
	}
	c.bus.emit(Notification{Name: NotifyUnavailable, Event: env.Type, GuildID: g.ID})
}

func (c *Client) handleReady(env frame.Envelope) {
	var r wire.Ready
	if err := json.Unmarshal(env.Data, &r); err != nil {
		c.malformed(errors.Join(state.ErrMalformedPayload, err), env.Type)
		return
	}
	c.armResetTimer()

	c.mu.Lock()
	interval := time.Duration(r.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = c.helloInterval
	}
	if c.userID == "" {
		c.userID = r.User.ID
	}
	resumed := c.reconnecting
	c.reconnecting = false
	c.mu.Unlock()

	c.hb.start(interval, c.beat)
	c.metrics.events.WithLabelValues(env.Type).Inc()

	if resumed {
		c.setState(StateReady)
		c.log.Info("gateway session re-established", "session", r.SessionID)
		return
	}

	c.setState(StateBootstrapping)
	snap := &state.Snapshot{UserID: r.User.ID}
	var pending []string
	for _, wg := range r.Guilds {
		if wg.Unavailable {
			pending = append(pending, wg.ID)
			continue
		}
		g := state.BuildGuild(wg)
		state.IndexGuild(c.cache, g)
		snap = snap.WithGuild(g)
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	for _, id := range pending {
		c.bus.emit(Notification{Name: NotifyUnavailable, Event: env.Type, GuildID: id})
	}
	c.log.Info("gateway identified", "user", r.User.ID, "guilds", len(r.Guilds), "unavailable", len(pending))
	c.boot.begin(pending)
}

func (c *Client) declareReady() {
	c.mu.Lock()
	c.state = StateReady
	snap := c.snap
	c.mu.Unlock()
	c.log.Info("client ready", "guilds", len(snap.Guilds))
	c.bus.emit(Notification{Name: NotifyReady, Next: snap})
}

func (c *Client) guildAvailable(id string) {
	c.bus.emit(Notification{Name: NotifyAvailable, GuildID: id})
}

func (c *Client) mentioned(m *wire.Message) bool {
	id := c.UserID()
	if id == "" {
		return false
	}
	return strings.Contains(m.Content, "<@"+id+">") || strings.Contains(m.Content, "<@!"+id+">")
}

func (c *Client) malformed(err error, event string) {
	c.metrics.malformed.Inc()
	c.log.Warn("dropping malformed frame", "event", event, "error", err)
	c.bus.emit(Notification{Name: NotifyError, Event: event, Err: err})
}

// addInterceptor registers fn to see every inbound frame after it has been
// applied. Used by voice joins.
func (c *Client) addInterceptor(fn func(frame.Envelope)) (remove func()) {
	id := uuid.New()
	c.imu.Lock()
	c.interceptors[id] = fn
	c.imu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.imu.Lock()
			delete(c.interceptors, id)
			c.imu.Unlock()
		})
	}
}

func (c *Client) intercept(env frame.Envelope) {
	c.imu.Lock()
	fns := make([]func(frame.Envelope), 0, len(c.interceptors))
	for _, fn := range c.interceptors {
		fns = append(fns, fn)
	}
	c.imu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *Client) interceptorCount() int {
	c.imu.Lock()
	defer c.imu.Unlock()
	return len(c.interceptors)
}
