// Package state holds the in-memory mirror of gateway entities and the
// handlers that turn dispatch events into new snapshots.
//
// A Snapshot is never mutated once published. Handlers return a new
// Snapshot that shares every guild, member, and channel they did not touch.
package state

import (
	"github.com/bluequeen/discordgw/cache"
	"github.com/bluequeen/discordgw/wire"
)

// ChannelType distinguishes text from voice channels.
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// StatusOffline is the presence a member has until told otherwise.
const StatusOffline = "offline"

// Activity is what a member is currently doing.
type Activity struct {
	Name string
	Type int
	URL  string
}

// Member is a user's membership in a guild, including presence.
type Member struct {
	ID       string
	GuildID  string
	Username string
	Nick     string
	Roles    []string
	Status   string
	Activity *Activity
}

// Channel is a guild channel.
type Channel struct {
	ID       string
	GuildID  string
	Type     ChannelType
	Name     string
	Position int
	Bitrate  int
}

// IsVoice reports whether the channel accepts voice connections.
func (c *Channel) IsVoice() bool { return c.Type == ChannelVoice }

// Guild is a hydrated guild with its members and channels in wire order.
type Guild struct {
	ID       string
	Name     string
	Members  []*Member
	Channels []*Channel
}

// Member returns the member with the given user id.
func (g *Guild) Member(userID string) (*Member, bool) {
	if i := g.memberIndex(userID); i >= 0 {
		return g.Members[i], true
	}
	return nil, false
}

// Channel returns the channel with the given id.
func (g *Guild) Channel(channelID string) (*Channel, bool) {
	if i := g.channelIndex(channelID); i >= 0 {
		return g.Channels[i], true
	}
	return nil, false
}

func (g *Guild) memberIndex(userID string) int {
	for i, m := range g.Members {
		if m.ID == userID {
			return i
		}
	}
	return -1
}

func (g *Guild) channelIndex(channelID string) int {
	for i, ch := range g.Channels {
		if ch.ID == channelID {
			return i
		}
	}
	return -1
}

// shallow copy; slices are shared until one of the with* helpers replaces them.
func (g *Guild) clone() *Guild {
	out := *g
	return &out
}

func (g *Guild) withMember(m *Member) *Guild {
	out := g.clone()
	members := make([]*Member, len(g.Members), len(g.Members)+1)
	copy(members, g.Members)
	if i := g.memberIndex(m.ID); i >= 0 {
		members[i] = m
	} else {
		members = append(members, m)
	}
	out.Members = members
	return out
}

func (g *Guild) withoutMember(userID string) *Guild {
	i := g.memberIndex(userID)
	if i < 0 {
		return g
	}
	out := g.clone()
	out.Members = make([]*Member, 0, len(g.Members)-1)
	out.Members = append(out.Members, g.Members[:i]...)
	out.Members = append(out.Members, g.Members[i+1:]...)
	return out
}

func (g *Guild) withChannel(ch *Channel) *Guild {
	out := g.clone()
	channels := make([]*Channel, len(g.Channels), len(g.Channels)+1)
	copy(channels, g.Channels)
	if i := g.channelIndex(ch.ID); i >= 0 {
		channels[i] = ch
	} else {
		channels = append(channels, ch)
	}
	out.Channels = channels
	return out
}

func (g *Guild) withoutChannel(channelID string) *Guild {
	i := g.channelIndex(channelID)
	if i < 0 {
		return g
	}
	out := g.clone()
	out.Channels = make([]*Channel, 0, len(g.Channels)-1)
	out.Channels = append(out.Channels, g.Channels[:i]...)
	out.Channels = append(out.Channels, g.Channels[i+1:]...)
	return out
}

// Snapshot is the mirror of all hydrated guilds at one point in time.
type Snapshot struct {
	UserID string
	Guilds []*Guild
}

// Empty returns a snapshot with no guilds.
func Empty() *Snapshot { return &Snapshot{} }

// Guild returns the guild with the given id.
func (s *Snapshot) Guild(guildID string) (*Guild, bool) {
	if i := s.guildIndex(guildID); i >= 0 {
		return s.Guilds[i], true
	}
	return nil, false
}

// Channel finds a channel by id across all guilds.
func (s *Snapshot) Channel(channelID string) (*Channel, bool) {
	for _, g := range s.Guilds {
		if ch, ok := g.Channel(channelID); ok {
			return ch, true
		}
	}
	return nil, false
}

func (s *Snapshot) guildIndex(guildID string) int {
	for i, g := range s.Guilds {
		if g.ID == guildID {
			return i
		}
	}
	return -1
}

// WithGuild returns a snapshot where g replaces the guild with the same id,
// or is appended if none exists.
func (s *Snapshot) WithGuild(g *Guild) *Snapshot {
	out := &Snapshot{UserID: s.UserID}
	out.Guilds = make([]*Guild, len(s.Guilds), len(s.Guilds)+1)
	copy(out.Guilds, s.Guilds)
	if i := s.guildIndex(g.ID); i >= 0 {
		out.Guilds[i] = g
	} else {
		out.Guilds = append(out.Guilds, g)
	}
	return out
}

// WithoutGuild returns a snapshot without the given guild. The receiver is
// returned unchanged when the guild is unknown.
func (s *Snapshot) WithoutGuild(guildID string) *Snapshot {
	i := s.guildIndex(guildID)
	if i < 0 {
		return s
	}
	out := &Snapshot{UserID: s.UserID}
	out.Guilds = make([]*Guild, 0, len(s.Guilds)-1)
	out.Guilds = append(out.Guilds, s.Guilds[:i]...)
	out.Guilds = append(out.Guilds, s.Guilds[i+1:]...)
	return out
}

// ActivityFromWire converts a wire game into an Activity.
func ActivityFromWire(g *wire.Game) *Activity {
	if g == nil {
		return nil
	}
	return &Activity{Name: g.Name, Type: g.Type, URL: g.URL}
}

// ChannelFromWire builds a Channel, defaulting the guild id when the payload
// omits it (channels nested in a guild object do).
func ChannelFromWire(c wire.Channel, guildID string) *Channel {
	if c.GuildID != "" {
		guildID = c.GuildID
	}
	return &Channel{
		ID:       c.ID,
		GuildID:  guildID,
		Type:     ChannelType(c.Type),
		Name:     c.Name,
		Position: c.Position,
		Bitrate:  c.Bitrate,
	}
}

// MemberFromWire builds an offline Member with no activity.
func MemberFromWire(m wire.Member, guildID string) *Member {
	if m.GuildID != "" {
		guildID = m.GuildID
	}
	return &Member{
		ID:       m.User.ID,
		GuildID:  guildID,
		Username: m.User.Username,
		Nick:     m.Nick,
		Roles:    m.Roles,
		Status:   StatusOffline,
	}
}

// BuildGuild hydrates a wire guild. Presence entries in the same payload set
// the initial status and activity of matching members.
func BuildGuild(wg wire.Guild) *Guild {
	g := &Guild{
		ID:       wg.ID,
		Name:     wg.Name,
		Channels: make([]*Channel, 0, len(wg.Channels)),
		Members:  make([]*Member, 0, len(wg.Members)),
	}
	for _, c := range wg.Channels {
		g.Channels = append(g.Channels, ChannelFromWire(c, wg.ID))
	}

	presences := make(map[string]wire.Presence, len(wg.Presences))
	for _, p := range wg.Presences {
		presences[p.User.ID] = p
	}
	for _, m := range wg.Members {
		member := MemberFromWire(m, wg.ID)
		if p, ok := presences[member.ID]; ok {
			member.Status = p.Status
			member.Activity = ActivityFromWire(p.Game)
		}
		g.Members = append(g.Members, member)
	}
	return g
}

// IndexGuild writes a guild, its channels, and its members into c.
func IndexGuild(c *cache.Cache, g *Guild) {
	for _, ch := range g.Channels {
		c.Set(cache.ChannelKey(ch.ID), ch)
	}
	for _, m := range g.Members {
		c.Set(cache.MemberKey(g.ID, m.ID), m)
	}
	c.Set(cache.GuildKey(g.ID), g)
}

// UnindexGuild removes a guild and everything cached beneath it.
func UnindexGuild(c *cache.Cache, g *Guild) {
	for _, ch := range g.Channels {
		c.Delete(cache.ChannelKey(ch.ID))
	}
	c.DeletePrefix(cache.MemberPrefix(g.ID))
	c.Delete(cache.GuildKey(g.ID))
}
