// Package voice implements the signalling side of voice connections: the
// accumulator that collects the two gateway acknowledgements needed to open
// a voice session, and a WebSocket dialer for the voice gateway itself.
// Audio transport is not handled here.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bluequeen/discordgw/wire"
)

var (
	ErrInvalidChannelType = errors.New("voice: cannot join a non-voice channel")
	ErrBitrateRange       = errors.New("voice: bitrate must be between 8000 and 128000")
	ErrSessionClosed      = errors.New("voice: session closed")
)

// Bitrate bounds accepted by SetBitrate.
const (
	MinBitrate = 8000
	MaxBitrate = 128000
)

// Params is everything needed to open a voice session.
type Params struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
}

// Session is an established voice session.
type Session interface {
	Params() Params
	SetBitrate(bps int) error
	Bitrate() int
	// HandleVoiceStateUpdate receives the primary gateway's voice state
	// updates while the session is active.
	HandleVoiceStateUpdate(vs wire.VoiceState)
	Done() <-chan struct{}
	Close() error
}

// Connector opens voice sessions. Connect returns once the voice gateway
// reports ready, or with the error that prevented it.
type Connector interface {
	Connect(ctx context.Context, p Params) (Session, error)
}

// Accumulator collects the voice state and voice server acknowledgements
// for one join. Either may arrive first. It completes exactly once.
type Accumulator struct {
	mu       sync.Mutex
	params   Params
	session  bool
	server   bool
	complete bool
}

// NewAccumulator starts a join for userID into channelID of guildID.
func NewAccumulator(guildID, channelID, userID string) *Accumulator {
	return &Accumulator{params: Params{GuildID: guildID, ChannelID: channelID, UserID: userID}}
}

// Offer feeds one dispatch event. It returns the completed Params and true
// on the call that fills the second slot, and false otherwise. Events for
// other guilds or users are ignored.
func (a *Accumulator) Offer(event string, d json.RawMessage) (Params, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.complete {
		return Params{}, false
	}

	switch event {
	case "VOICE_STATE_UPDATE":
		var vs wire.VoiceState
		if err := json.Unmarshal(d, &vs); err != nil || vs.SessionID == "" {
			return Params{}, false
		}
		if !a.matches(vs.GuildID) || (a.params.UserID != "" && vs.UserID != a.params.UserID) {
			return Params{}, false
		}
		a.params.SessionID = vs.SessionID
		a.session = true
	case "VOICE_SERVER_UPDATE":
		var vsu wire.VoiceServerUpdate
		if err := json.Unmarshal(d, &vsu); err != nil || vsu.Token == "" {
			return Params{}, false
		}
		if !a.matches(vsu.GuildID) {
			return Params{}, false
		}
		a.params.Token = vsu.Token
		a.params.Endpoint = vsu.Endpoint
		a.server = true
	default:
		return Params{}, false
	}

	if a.session && a.server {
		a.complete = true
		return a.params, true
	}
	return Params{}, false
}

// Complete reports whether both acknowledgements arrived.
func (a *Accumulator) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete
}

func (a *Accumulator) matches(guildID string) bool {
	return guildID == "" || guildID == a.params.GuildID
}

// CheckBitrate validates a bitrate for SetBitrate implementations.
func CheckBitrate(bps int) error {
	if bps < MinBitrate || bps > MaxBitrate {
		return ErrBitrateRange
	}
	return nil
}
