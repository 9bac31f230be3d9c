package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/bluequeen/discordgw/frame"
	"github.com/bluequeen/discordgw/wire"
)

// Voice gateway opcodes.
const (
	opIdentify     frame.Opcode = 0
	opReady        frame.Opcode = 2
	opHeartbeat    frame.Opcode = 3
	opHeartbeatAck frame.Opcode = 6
	opHello        frame.Opcode = 8
)

const defaultReadyTimeout = 10 * time.Second

var errMalformedFrame = errors.New("voice: malformed frame")

// voiceEnvelope is a voice gateway frame. Unlike the primary gateway, op 0
// is identify and carries no event type.
type voiceEnvelope struct {
	Op   frame.Opcode
	Data json.RawMessage
}

func decodeVoice(data []byte) (voiceEnvelope, error) {
	var raw struct {
		Op   *frame.Opcode   `json:"op"`
		Data json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return voiceEnvelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if raw.Op == nil {
		return voiceEnvelope{}, fmt.Errorf("%w: missing op", errMalformedFrame)
	}
	return voiceEnvelope{Op: *raw.Op, Data: raw.Data}, nil
}

// Dialer connects to voice gateways over WebSocket.
type Dialer struct {
	Scheme       string        // "wss" when empty
	ReadyTimeout time.Duration // how long to wait for op 2; 10s when zero
	Logger       *slog.Logger
}

// Connect dials the voice endpoint, identifies, and waits for the voice
// gateway's ready frame.
func (d *Dialer) Connect(ctx context.Context, p Params) (Session, error) {
	if p.Endpoint == "" {
		return nil, errors.New("voice: empty endpoint")
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	conn, br, _, err := ws.Dial(ctx, d.url(p.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("voice dial: %w", err)
	}
	if br != nil {
		conn = bufferedConn{Conn: conn, r: br}
	}

	// Tear the socket down if the caller gives up mid-handshake.
	handshake := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handshake:
		}
	}()

	ready, interval, err := d.handshake(conn, p)
	close(handshake)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	s := &WSSession{
		conn:     conn,
		params:   p,
		ready:    ready,
		interval: interval,
		done:     make(chan struct{}),
		log:      log,
	}
	go s.readLoop()
	go s.heartbeatLoop()

	log.Info("voice session ready", "guild", p.GuildID, "channel", p.ChannelID, "ssrc", ready.SSRC)
	return s, nil
}

func (d *Dialer) handshake(conn net.Conn, p Params) (wire.VoiceReady, time.Duration, error) {
	identify, err := frame.Encode(opIdentify, wire.VoiceIdentify{
		ServerID:  p.GuildID,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		Token:     p.Token,
	})
	if err != nil {
		return wire.VoiceReady{}, 0, err
	}
	if err := wsutil.WriteClientText(conn, identify); err != nil {
		return wire.VoiceReady{}, 0, fmt.Errorf("voice identify: %w", err)
	}

	timeout := d.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var interval time.Duration
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return wire.VoiceReady{}, 0, fmt.Errorf("voice read ready: %w", err)
		}
		env, err := decodeVoice(data)
		if err != nil {
			continue
		}
		switch env.Op {
		case opHello:
			var hello wire.VoiceHello
			if err := json.Unmarshal(env.Data, &hello); err == nil {
				interval = time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
			}
		case opReady:
			var ready wire.VoiceReady
			if err := json.Unmarshal(env.Data, &ready); err != nil {
				return wire.VoiceReady{}, 0, fmt.Errorf("voice decode ready: %w", err)
			}
			if interval == 0 {
				interval = time.Duration(ready.HeartbeatInterval) * time.Millisecond
			}
			return ready, interval, nil
		}
	}
}

// Voice endpoints are advertised with a ":80" suffix that must not be
// dialled over TLS.
func (d *Dialer) url(endpoint string) string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "wss"
	}
	endpoint = strings.TrimSuffix(endpoint, ":80")
	return scheme + "://" + endpoint + "/"
}

// bufferedConn reads frames the server sent along with the handshake
// response before reading from the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// WSSession is a voice session backed by a voice gateway WebSocket.
type WSSession struct {
	conn     net.Conn
	wmu      sync.Mutex
	ready    wire.VoiceReady
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	params  Params
	bitrate int

	lastAck   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// Params returns the current session parameters.
func (s *WSSession) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// Ready returns the voice gateway's ready payload (SSRC, UDP port, modes)
// for the audio transport.
func (s *WSSession) Ready() wire.VoiceReady { return s.ready }

// SetBitrate sets the encoder bitrate used by the audio transport.
func (s *WSSession) SetBitrate(bps int) error {
	if err := CheckBitrate(bps); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.bitrate = bps
	s.mu.Unlock()
	return nil
}

// Bitrate returns the configured bitrate.
func (s *WSSession) Bitrate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitrate
}

// LastAck returns when the voice gateway last acknowledged a heartbeat.
func (s *WSSession) LastAck() time.Time {
	ms := s.lastAck.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// HandleVoiceStateUpdate follows moves of our own user. Leaving voice
// (empty channel id) ends the session.
func (s *WSSession) HandleVoiceStateUpdate(vs wire.VoiceState) {
	s.mu.Lock()
	if vs.UserID != s.params.UserID {
		s.mu.Unlock()
		return
	}
	if vs.ChannelID == "" {
		s.mu.Unlock()
		s.Close()
		return
	}
	s.params.ChannelID = vs.ChannelID
	if vs.SessionID != "" {
		s.params.SessionID = vs.SessionID
	}
	s.mu.Unlock()
}

// Done is closed when the session ends.
func (s *WSSession) Done() <-chan struct{} { return s.done }

// Close ends the session.
func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wmu.Lock()
		wsutil.WriteClientMessage(s.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) write(op frame.Opcode, d any) error {
	data, err := frame.Encode(op, d)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wsutil.WriteClientText(s.conn, data)
}

func (s *WSSession) readLoop() {
	for {
		data, err := wsutil.ReadServerText(s.conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("voice read error, closing", "error", err)
				s.Close()
			}
			return
		}
		env, err := decodeVoice(data)
		if err != nil {
			continue
		}
		if env.Op == opHeartbeatAck {
			s.lastAck.Store(time.Now().UnixMilli())
		}
	}
}

func (s *WSSession) heartbeatLoop() {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(opHeartbeat, time.Now().UnixMilli()); err != nil {
				s.log.Warn("voice heartbeat failed", "error", err)
				s.Close()
				return
			}
		}
	}
}
