package discordgw

import (
	"context"
	"fmt"

	"github.com/bluequeen/discordgw/frame"
	"github.com/bluequeen/discordgw/state"
	"github.com/bluequeen/discordgw/voice"
	"github.com/bluequeen/discordgw/wire"
)

const defaultVoiceBitrate = 64000

// JoinVoiceChannel asks the gateway to move the client into ch, waits for
// the voice state and voice server acknowledgements in either order, and
// opens a voice session with them. The returned session replaces any
// previous one.
//
// Joining a text channel fails with voice.ErrInvalidChannelType, and
// joining before the own user id is known fails with ErrUserUnknown. In
// both cases nothing is sent.
func (c *Client) JoinVoiceChannel(ctx context.Context, ch *state.Channel, mute, deaf bool) (voice.Session, error) {
	if ch == nil || !ch.IsVoice() {
		return nil, voice.ErrInvalidChannelType
	}
	userID := c.UserID()
	if userID == "" {
		return nil, ErrUserUnknown
	}
	if c.cfg.VoiceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.VoiceTimeout)
		defer cancel()
	}

	acc := voice.NewAccumulator(ch.GuildID, ch.ID, userID)
	got := make(chan voice.Params, 1)
	remove := c.addInterceptor(func(env frame.Envelope) {
		if !env.IsDispatch() {
			return
		}
		if p, ok := acc.Offer(env.Type, env.Data); ok {
			got <- p
		}
	})
	defer remove()

	err := c.Send(ctx, frame.OpVoiceStateUpdate, wire.VoiceStateCommand{
		GuildID:   ch.GuildID,
		ChannelID: ch.ID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	})
	if err != nil {
		return nil, fmt.Errorf("voice state update: %w", err)
	}

	var params voice.Params
	select {
	case params = <-got:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for voice acknowledgements: %w", ctx.Err())
	case <-c.done:
		return nil, ErrClosed
	}
	remove()

	sess, err := c.cfg.Voice.Connect(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("voice connect: %w", err)
	}
	bitrate := ch.Bitrate
	if bitrate == 0 {
		bitrate = defaultVoiceBitrate
	}
	if err := sess.SetBitrate(bitrate); err != nil {
		sess.Close()
		return nil, err
	}

	c.mu.Lock()
	prev := c.voice
	c.voice = sess
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	c.log.Info("joined voice channel", "guild", ch.GuildID, "channel", ch.ID)
	return sess, nil
}
