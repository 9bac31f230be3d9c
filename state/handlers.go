package state

import (
	"github.com/bluequeen/discordgw/cache"
	"github.com/bluequeen/discordgw/wire"
)

// AliasMessage is raised alongside MESSAGE_CREATE.
const AliasMessage = "message"

// DefaultRegistry returns a registry with every event the client mirrors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(EventGuildCreate, guildCreate())
	r.Register(EventGuildUpdate, guildUpdate())
	r.Register(EventGuildDelete, guildDelete())
	r.Register(EventChannelCreate, channelUpsert())
	r.Register(EventChannelUpdate, channelUpsert())
	r.Register(EventChannelDelete, channelDelete())
	r.Register(EventGuildMemberAdd, memberAdd())
	r.Register(EventGuildMemberUpdate, memberUpdate())
	r.Register(EventGuildMemberRemove, memberRemove())
	r.Register(EventPresenceUpdate, presenceUpdate())
	r.Register(EventMessageCreate, messageCreate(), AliasMessage)
	r.Register(EventVoiceStateUpdate, voiceStateUpdate())
	r.Register(EventVoiceServerUpdate, voiceServerUpdate())
	return r
}

func guildCreate() Handler {
	return handler[wire.Guild]{
		required: func(g *wire.Guild) []string { return missing("id", g.ID) },
		apply: func(g *wire.Guild, s *Snapshot) *Snapshot {
			return s.WithGuild(BuildGuild(*g))
		},
		index: func(g *wire.Guild, next *Snapshot, c *cache.Cache) {
			if guild, ok := next.Guild(g.ID); ok {
				IndexGuild(c, guild)
			}
		},
	}
}

// GUILD_UPDATE carries no members or channels; keep the ones we have.
func guildUpdate() Handler {
	return handler[wire.Guild]{
		required: func(g *wire.Guild) []string { return missing("id", g.ID) },
		apply: func(g *wire.Guild, s *Snapshot) *Snapshot {
			cur, ok := s.Guild(g.ID)
			if !ok {
				return s
			}
			updated := cur.clone()
			updated.Name = g.Name
			return s.WithGuild(updated)
		},
		index: func(g *wire.Guild, next *Snapshot, c *cache.Cache) {
			if guild, ok := next.Guild(g.ID); ok {
				c.Set(cache.GuildKey(guild.ID), guild)
			}
		},
	}
}

func guildDelete() Handler {
	return handler[wire.Guild]{
		required: func(g *wire.Guild) []string { return missing("id", g.ID) },
		apply: func(g *wire.Guild, s *Snapshot) *Snapshot {
			return s.WithoutGuild(g.ID)
		},
		index: func(g *wire.Guild, _ *Snapshot, c *cache.Cache) {
			if cached, ok := cache.Lookup[*Guild](c, cache.GuildKey(g.ID)); ok {
				UnindexGuild(c, cached)
			}
		},
	}
}

func channelUpsert() Handler {
	return handler[wire.Channel]{
		required: func(ch *wire.Channel) []string { return missing("id", ch.ID) },
		apply: func(ch *wire.Channel, s *Snapshot) *Snapshot {
			g, ok := s.Guild(ch.GuildID)
			if !ok {
				return s
			}
			return s.WithGuild(g.withChannel(ChannelFromWire(*ch, g.ID)))
		},
		index: func(ch *wire.Channel, next *Snapshot, c *cache.Cache) {
			if hydrated, ok := next.Channel(ch.ID); ok {
				c.Set(cache.ChannelKey(ch.ID), hydrated)
				if g, ok := next.Guild(hydrated.GuildID); ok {
					c.Set(cache.GuildKey(g.ID), g)
				}
				return
			}
			// DM and group channels have no guild to live in.
			c.Set(cache.ChannelKey(ch.ID), ChannelFromWire(*ch, ""))
		},
	}
}

func channelDelete() Handler {
	return handler[wire.Channel]{
		required: func(ch *wire.Channel) []string { return missing("id", ch.ID) },
		apply: func(ch *wire.Channel, s *Snapshot) *Snapshot {
			g, ok := s.Guild(ch.GuildID)
			if !ok {
				return s
			}
			updated := g.withoutChannel(ch.ID)
			if updated == g {
				return s
			}
			return s.WithGuild(updated)
		},
		index: func(ch *wire.Channel, next *Snapshot, c *cache.Cache) {
			c.Delete(cache.ChannelKey(ch.ID))
			if g, ok := next.Guild(ch.GuildID); ok {
				c.Set(cache.GuildKey(g.ID), g)
			}
		},
	}
}

func memberAdd() Handler {
	return handler[wire.Member]{
		required: func(m *wire.Member) []string {
			return missing("guild_id", m.GuildID, "user.id", m.User.ID)
		},
		apply: func(m *wire.Member, s *Snapshot) *Snapshot {
			g, ok := s.Guild(m.GuildID)
			if !ok {
				return s
			}
			return s.WithGuild(g.withMember(MemberFromWire(*m, g.ID)))
		},
		index: indexMember,
	}
}

// GUILD_MEMBER_UPDATE replaces nick and roles but keeps presence.
func memberUpdate() Handler {
	return handler[wire.Member]{
		required: func(m *wire.Member) []string {
			return missing("guild_id", m.GuildID, "user.id", m.User.ID)
		},
		apply: func(m *wire.Member, s *Snapshot) *Snapshot {
			g, ok := s.Guild(m.GuildID)
			if !ok {
				return s
			}
			cur, ok := g.Member(m.User.ID)
			if !ok {
				return s
			}
			updated := *cur
			updated.Nick = m.Nick
			updated.Roles = m.Roles
			if m.User.Username != "" {
				updated.Username = m.User.Username
			}
			return s.WithGuild(g.withMember(&updated))
		},
		index: indexMember,
	}
}

func indexMember(m *wire.Member, next *Snapshot, c *cache.Cache) {
	g, ok := next.Guild(m.GuildID)
	if !ok {
		return
	}
	if member, ok := g.Member(m.User.ID); ok {
		c.Set(cache.MemberKey(g.ID, member.ID), member)
		c.Set(cache.GuildKey(g.ID), g)
	}
}

func memberRemove() Handler {
	return handler[wire.GuildMemberRemove]{
		required: func(m *wire.GuildMemberRemove) []string {
			return missing("guild_id", m.GuildID, "user.id", m.User.ID)
		},
		apply: func(m *wire.GuildMemberRemove, s *Snapshot) *Snapshot {
			g, ok := s.Guild(m.GuildID)
			if !ok {
				return s
			}
			updated := g.withoutMember(m.User.ID)
			if updated == g {
				return s
			}
			return s.WithGuild(updated)
		},
		index: func(m *wire.GuildMemberRemove, next *Snapshot, c *cache.Cache) {
			c.Delete(cache.MemberKey(m.GuildID, m.User.ID))
			if g, ok := next.Guild(m.GuildID); ok {
				c.Set(cache.GuildKey(g.ID), g)
			}
		},
	}
}

// PRESENCE_UPDATE overwrites status and activity of one member. Presences
// for guilds or members not yet hydrated are dropped; they arrive out of
// order during bootstrap.
func presenceUpdate() Handler {
	return handler[wire.PresenceUpdate]{
		required: func(p *wire.PresenceUpdate) []string {
			return missing("guild_id", p.GuildID, "user.id", p.User.ID)
		},
		apply: func(p *wire.PresenceUpdate, s *Snapshot) *Snapshot {
			g, ok := s.Guild(p.GuildID)
			if !ok {
				return s
			}
			cur, ok := g.Member(p.User.ID)
			if !ok {
				return s
			}
			updated := *cur
			updated.Status = p.Status
			updated.Activity = ActivityFromWire(p.Game)
			return s.WithGuild(g.withMember(&updated))
		},
		index: func(p *wire.PresenceUpdate, next *Snapshot, c *cache.Cache) {
			g, ok := next.Guild(p.GuildID)
			if !ok {
				return
			}
			if member, ok := g.Member(p.User.ID); ok {
				c.Set(cache.MemberKey(g.ID, member.ID), member)
				c.Set(cache.GuildKey(g.ID), g)
			}
		},
	}
}

func messageCreate() Handler {
	return handler[wire.Message]{
		required: func(m *wire.Message) []string {
			return missing("id", m.ID, "channel_id", m.ChannelID)
		},
	}
}

func voiceStateUpdate() Handler {
	return handler[wire.VoiceState]{
		required: func(v *wire.VoiceState) []string { return missing("user_id", v.UserID) },
		index: func(v *wire.VoiceState, _ *Snapshot, c *cache.Cache) {
			key := cache.VoiceStateKey(v.GuildID, v.UserID)
			if v.ChannelID == "" {
				c.Delete(key)
				return
			}
			vs := *v
			c.Set(key, &vs)
		},
	}
}

func voiceServerUpdate() Handler {
	return handler[wire.VoiceServerUpdate]{
		required: func(v *wire.VoiceServerUpdate) []string { return missing("guild_id", v.GuildID) },
	}
}
