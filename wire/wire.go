// Package wire defines the JSON payload types carried in the "d" field of
// gateway frames. Inbound types only declare the fields the client mirrors;
// everything else in the payload is ignored on decode.
package wire

// Identify is the payload of an IDENTIFY frame (client -> server).
type Identify struct {
	Token          string             `json:"token"`
	Version        int                `json:"v"`
	Properties     IdentifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Compress       bool               `json:"compress"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS              string `json:"$os"`
	Browser         string `json:"$browser"`
	Device          string `json:"$device"`
	Referrer        string `json:"$referrer"`
	ReferringDomain string `json:"$referring_domain"`
}

// VoiceStateCommand is the payload of a VOICE_STATE_UPDATE command
// (client -> server, op 4).
type VoiceStateCommand struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

// Hello is the payload of a HELLO frame (server -> client, op 10).
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// GatewayResponse is the body of GET /gateway.
type GatewayResponse struct {
	URL string `json:"url"`
}

// User is the subset of a user object the client keeps.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Game is the activity attached to a presence.
type Game struct {
	Name string `json:"name"`
	Type int    `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Ready is the payload of the READY dispatch.
type Ready struct {
	Version           int     `json:"v"`
	User              User    `json:"user"`
	SessionID         string  `json:"session_id"`
	HeartbeatInterval int64   `json:"heartbeat_interval"`
	Guilds            []Guild `json:"guilds"`
}

// Guild is a guild object as delivered in READY and GUILD_CREATE.
// Unavailable guilds carry only ID and Unavailable.
type Guild struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Unavailable bool       `json:"unavailable,omitempty"`
	Channels    []Channel  `json:"channels,omitempty"`
	Members     []Member   `json:"members,omitempty"`
	Presences   []Presence `json:"presences,omitempty"`
}

// Channel is a guild channel. Protocol v4 sends the type as "text" or
// "voice".
type Channel struct {
	ID       string `json:"id"`
	GuildID  string `json:"guild_id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
	Bitrate  int    `json:"bitrate,omitempty"`
}

// Member is a guild member object.
type Member struct {
	GuildID string   `json:"guild_id,omitempty"`
	User    User     `json:"user"`
	Nick    string   `json:"nick,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Presence is a presence entry inside a guild object.
type Presence struct {
	User   User   `json:"user"`
	Status string `json:"status"`
	Game   *Game  `json:"game"`
}

// PresenceUpdate is the payload of the PRESENCE_UPDATE dispatch.
type PresenceUpdate struct {
	GuildID string `json:"guild_id"`
	User    User   `json:"user"`
	Status  string `json:"status"`
	Game    *Game  `json:"game"`
}

// GuildMemberRemove is the payload of GUILD_MEMBER_REMOVE.
type GuildMemberRemove struct {
	GuildID string `json:"guild_id"`
	User    User   `json:"user"`
}

// Message is the payload of MESSAGE_CREATE.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Author    User   `json:"author"`
	Content   string `json:"content"`
	Mentions  []User `json:"mentions,omitempty"`
}

// VoiceState is the payload of the VOICE_STATE_UPDATE dispatch. ChannelID
// is empty when the user left voice.
type VoiceState struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Deaf      bool   `json:"deaf"`
	Mute      bool   `json:"mute"`
	SelfDeaf  bool   `json:"self_deaf"`
	SelfMute  bool   `json:"self_mute"`
	Suppress  bool   `json:"suppress"`
}

// VoiceServerUpdate is the payload of VOICE_SERVER_UPDATE.
type VoiceServerUpdate struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// Voice gateway payloads.

// VoiceIdentify is sent to the voice gateway after dialing (op 0).
type VoiceIdentify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// VoiceReady is sent by the voice gateway once identify succeeded (op 2).
type VoiceReady struct {
	SSRC              uint32   `json:"ssrc"`
	Port              int      `json:"port"`
	Modes             []string `json:"modes"`
	HeartbeatInterval int64    `json:"heartbeat_interval"`
}

// VoiceHello carries the voice heartbeat interval (op 8).
type VoiceHello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}
