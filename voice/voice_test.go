package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/bluequeen/discordgw/frame"
	"github.com/bluequeen/discordgw/wire"
)

const (
	stateAck  = `{"guild_id":"1","channel_id":"101","user_id":"99","session_id":"sess-1"}`
	serverAck = `{"guild_id":"1","token":"tok-1","endpoint":"voice.example:80"}`
)

func TestAccumulatorOrderIndependent(t *testing.T) {
	a := NewAccumulator("1", "101", "99")
	if _, ok := a.Offer("VOICE_STATE_UPDATE", json.RawMessage(stateAck)); ok {
		t.Fatal("should not complete after one ack")
	}
	p1, ok := a.Offer("VOICE_SERVER_UPDATE", json.RawMessage(serverAck))
	if !ok {
		t.Fatal("should complete after both acks")
	}

	b := NewAccumulator("1", "101", "99")
	if _, ok := b.Offer("VOICE_SERVER_UPDATE", json.RawMessage(serverAck)); ok {
		t.Fatal("should not complete after one ack")
	}
	p2, ok := b.Offer("VOICE_STATE_UPDATE", json.RawMessage(stateAck))
	if !ok {
		t.Fatal("should complete after both acks")
	}

	if p1 != p2 {
		t.Errorf("order changed the result:\n%+v\n%+v", p1, p2)
	}
	want := Params{GuildID: "1", ChannelID: "101", UserID: "99", SessionID: "sess-1", Token: "tok-1", Endpoint: "voice.example:80"}
	if p1 != want {
		t.Errorf("params: got %+v, want %+v", p1, want)
	}
}

func TestAccumulatorCompletesOnce(t *testing.T) {
	a := NewAccumulator("1", "101", "99")
	a.Offer("VOICE_STATE_UPDATE", json.RawMessage(stateAck))
	if _, ok := a.Offer("VOICE_SERVER_UPDATE", json.RawMessage(serverAck)); !ok {
		t.Fatal("expected completion")
	}
	if _, ok := a.Offer("VOICE_SERVER_UPDATE", json.RawMessage(serverAck)); ok {
		t.Error("accumulator must fire only once")
	}
	if !a.Complete() {
		t.Error("expected Complete")
	}
}

func TestAccumulatorIgnoresOthers(t *testing.T) {
	a := NewAccumulator("1", "101", "99")
	a.Offer("VOICE_STATE_UPDATE", json.RawMessage(`{"guild_id":"1","user_id":"42","session_id":"someone-else"}`))
	a.Offer("VOICE_SERVER_UPDATE", json.RawMessage(`{"guild_id":"2","token":"t","endpoint":"e"}`))
	a.Offer("MESSAGE_CREATE", json.RawMessage(`{}`))
	a.Offer("VOICE_STATE_UPDATE", json.RawMessage(`garbage`))
	if a.Complete() {
		t.Fatal("unrelated events must not complete the join")
	}
	a.Offer("VOICE_SERVER_UPDATE", json.RawMessage(serverAck))
	p, ok := a.Offer("VOICE_STATE_UPDATE", json.RawMessage(stateAck))
	if !ok || p.SessionID != "sess-1" {
		t.Errorf("expected completion with our session, got %+v %v", p, ok)
	}
}

func TestCheckBitrate(t *testing.T) {
	for _, bps := range []int{MinBitrate, 64000, MaxBitrate} {
		if err := CheckBitrate(bps); err != nil {
			t.Errorf("CheckBitrate(%d): %v", bps, err)
		}
	}
	for _, bps := range []int{0, 7999, 128001} {
		if err := CheckBitrate(bps); !errors.Is(err, ErrBitrateRange) {
			t.Errorf("CheckBitrate(%d): expected ErrBitrateRange, got %v", bps, err)
		}
	}
}

// voiceServer runs a minimal voice gateway: it expects identify, answers
// with hello and ready, then acks heartbeats.
func voiceServer(t *testing.T, identified chan<- wire.VoiceIdentify, heartbeats chan<- struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		env, err := decodeVoice(data)
		if err != nil || env.Op != opIdentify {
			return
		}
		var id wire.VoiceIdentify
		json.Unmarshal(env.Data, &id)
		identified <- id

		hello, _ := frame.Encode(opHello, wire.VoiceHello{HeartbeatInterval: 20})
		ready, _ := frame.Encode(opReady, wire.VoiceReady{SSRC: 7, Port: 5000, Modes: []string{"plain"}})
		wsutil.WriteServerText(conn, hello)
		wsutil.WriteServerText(conn, ready)

		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			env, err := decodeVoice(data)
			if err != nil {
				continue
			}
			if env.Op == opHeartbeat {
				select {
				case heartbeats <- struct{}{}:
				default:
				}
				ack, _ := frame.Encode(opHeartbeatAck, json.RawMessage(env.Data))
				wsutil.WriteServerText(conn, ack)
			}
		}
	}))
}

func TestDecodeVoiceIdentify(t *testing.T) {
	data, err := frame.Encode(opIdentify, wire.VoiceIdentify{ServerID: "1", UserID: "99", SessionID: "s", Token: "t"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeVoice(data)
	if err != nil {
		t.Fatalf("op 0 without an event type must decode: %v", err)
	}
	if env.Op != opIdentify {
		t.Errorf("op: got %d, want %d", env.Op, opIdentify)
	}
	var id wire.VoiceIdentify
	if err := json.Unmarshal(env.Data, &id); err != nil || id.SessionID != "s" {
		t.Errorf("payload: %+v, %v", id, err)
	}

	for _, bad := range []string{`{"d":{}}`, `nope`, ``} {
		if _, err := decodeVoice([]byte(bad)); !errors.Is(err, errMalformedFrame) {
			t.Errorf("decodeVoice(%q): expected errMalformedFrame, got %v", bad, err)
		}
	}
}

func TestDialerConnect(t *testing.T) {
	identified := make(chan wire.VoiceIdentify, 1)
	heartbeats := make(chan struct{}, 1)
	srv := voiceServer(t, identified, heartbeats)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := &Dialer{Scheme: "ws"}
	p := Params{
		GuildID:   "1",
		ChannelID: "101",
		UserID:    "99",
		SessionID: "sess-1",
		Token:     "tok-1",
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
	}
	sess, err := d.Connect(ctx, p)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sess.Close()

	id := <-identified
	if id.ServerID != "1" || id.UserID != "99" || id.SessionID != "sess-1" || id.Token != "tok-1" {
		t.Errorf("identify payload: %+v", id)
	}

	wsess, ok := sess.(*WSSession)
	if !ok {
		t.Fatalf("unexpected session type %T", sess)
	}
	if wsess.Ready().SSRC != 7 {
		t.Errorf("ssrc: got %d", wsess.Ready().SSRC)
	}

	select {
	case <-heartbeats:
	case <-ctx.Done():
		t.Fatal("no heartbeat reached the voice gateway")
	}

	if err := sess.SetBitrate(64000); err != nil {
		t.Fatalf("set bitrate: %v", err)
	}
	if sess.Bitrate() != 64000 {
		t.Errorf("bitrate: got %d", sess.Bitrate())
	}
	if err := sess.SetBitrate(1); !errors.Is(err, ErrBitrateRange) {
		t.Errorf("expected ErrBitrateRange, got %v", err)
	}
}

func TestSessionFollowsVoiceState(t *testing.T) {
	identified := make(chan wire.VoiceIdentify, 1)
	srv := voiceServer(t, identified, make(chan struct{}, 1))
	defer srv.Close()

	d := &Dialer{Scheme: "ws"}
	sess, err := d.Connect(context.Background(), Params{
		GuildID: "1", ChannelID: "101", UserID: "99", SessionID: "s", Token: "t",
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	sess.HandleVoiceStateUpdate(wire.VoiceState{UserID: "42", ChannelID: ""})
	select {
	case <-sess.Done():
		t.Fatal("another user's state must not end the session")
	default:
	}

	sess.HandleVoiceStateUpdate(wire.VoiceState{UserID: "99", ChannelID: "102"})
	if sess.Params().ChannelID != "102" {
		t.Errorf("channel: got %q, want 102", sess.Params().ChannelID)
	}

	sess.HandleVoiceStateUpdate(wire.VoiceState{UserID: "99", ChannelID: ""})
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("leaving voice should close the session")
	}
	if err := sess.SetBitrate(64000); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestDialerURL(t *testing.T) {
	d := &Dialer{}
	if got := d.url("us-east1.example.gg:80"); got != "wss://us-east1.example.gg/" {
		t.Errorf("url: got %s", got)
	}
}

func TestDialerContextCanceled(t *testing.T) {
	// Server that never answers identify.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	d := &Dialer{Scheme: "ws"}
	_, err := d.Connect(ctx, Params{Endpoint: strings.TrimPrefix(srv.URL, "http://")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
