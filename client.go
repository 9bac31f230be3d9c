// Package discordgw is a client for the Discord real-time gateway. It keeps
// a WebSocket session alive (identify, heartbeat, bounded reconnect), mirrors
// guilds, channels, members, and presences into an in-memory snapshot and
// entity cache, and negotiates voice sessions on top of the connection.
package discordgw

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bluequeen/discordgw/cache"
	"github.com/bluequeen/discordgw/frame"
	"github.com/bluequeen/discordgw/state"
	"github.com/bluequeen/discordgw/voice"
	"github.com/bluequeen/discordgw/wire"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultMaxReconnects      = 4
	DefaultResetGrace         = 2 * time.Minute
	DefaultUnavailableTimeout = 2 * time.Minute
	DefaultLargeThreshold     = 100
	DefaultVoiceTimeout       = 30 * time.Second
	DefaultReconnectDelay     = time.Second

	sendQueueSize = 256
	userAgent     = "discordgw (https://github.com/bluequeen/discordgw)"
)

// Config holds connection parameters.
type Config struct {
	Token   string          // opaque auth token sent in identify
	UserID  string          // own user id; learned from READY when empty
	Gateway GatewayResolver // resolves the gateway endpoint before each dial
	Voice   voice.Connector // opens voice sessions; a voice.Dialer when nil

	Properties     wire.IdentifyProperties // client metadata; filled from runtime when zero
	LargeThreshold int

	MaxReconnects      int           // closes tolerated before giving up
	ReconnectDelay     time.Duration // pause before each re-dial; negative disables
	ResetGrace         time.Duration // time after READY before the reconnect counter resets
	UnavailableTimeout time.Duration // how long bootstrap waits for unavailable guilds
	VoiceTimeout       time.Duration // bound on a voice join; negative disables

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Registry   *state.Registry // state.DefaultRegistry() when nil
}

// ConnState is the supervisor's lifecycle state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateAuthenticated
	StateBootstrapping
	StateReady
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Client is a gateway session. It is created once and survives reconnects.
type Client struct {
	cfg      Config
	log      *slog.Logger
	registry *state.Registry
	cache    *cache.Cache
	metrics  *Metrics
	bus      *bus
	boot     *bootstrap
	hb       heartbeat

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	state         ConnState
	snap          *state.Snapshot
	userID        string
	gateway       string
	helloInterval time.Duration
	reconnects    int
	reconnecting  bool
	resetTimer    *time.Timer
	lastAck       time.Time
	voice         voice.Session
	cancel        context.CancelFunc
	running       bool
	stopping      bool

	imu          sync.Mutex
	interceptors map[uuid.UUID]func(frame.Envelope)
}

// New validates cfg, applies defaults, and returns an idle client. Call Run
// to connect.
func New(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discordgw: token not configured")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("discordgw: gateway resolver not configured")
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = DefaultMaxReconnects
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ResetGrace <= 0 {
		cfg.ResetGrace = DefaultResetGrace
	}
	if cfg.UnavailableTimeout <= 0 {
		cfg.UnavailableTimeout = DefaultUnavailableTimeout
	}
	if cfg.LargeThreshold <= 0 {
		cfg.LargeThreshold = DefaultLargeThreshold
	}
	if cfg.VoiceTimeout == 0 {
		cfg.VoiceTimeout = DefaultVoiceTimeout
	}
	if cfg.Properties == (wire.IdentifyProperties{}) {
		cfg.Properties = wire.IdentifyProperties{
			OS:              runtime.GOOS,
			Browser:         userAgent,
			Referrer:        "https://github.com/bluequeen/discordgw",
			ReferringDomain: "https://github.com/bluequeen/discordgw",
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Voice == nil {
		cfg.Voice = &voice.Dialer{Logger: cfg.Logger}
	}
	if cfg.Registry == nil {
		cfg.Registry = state.DefaultRegistry()
	}

	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("discordgw: register metrics: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		log:          cfg.Logger,
		registry:     cfg.Registry,
		cache:        cache.New(),
		metrics:      metrics,
		bus:          newBus(),
		out:          make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		snap:         state.Empty(),
		userID:       cfg.UserID,
		interceptors: make(map[uuid.UUID]func(frame.Envelope)),
	}
	c.boot = &bootstrap{
		timeout:     cfg.UnavailableTimeout,
		onReady:     c.declareReady,
		onAvailable: c.guildAvailable,
		onPending:   func(n int) { c.metrics.unavailable.Set(float64(n)) },
	}
	return c, nil
}

// On registers fn for notifications named name and returns a function that
// removes it.
func (c *Client) On(name string, fn Listener) (remove func()) {
	return c.bus.on(name, fn)
}

// Snapshot returns the current state snapshot. It must not be modified.
func (c *Client) Snapshot() *state.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Cache returns the entity cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// ConnState returns the supervisor's lifecycle state.
func (c *Client) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the client's own user id, if known.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// VoiceSession returns the active voice session, or nil.
func (c *Client) VoiceSession() voice.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// Endpoint returns the gateway URL of the current or last connection.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateway
}

// LastAck returns when the gateway last acknowledged a heartbeat.
func (c *Client) LastAck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAck
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues a frame for the gateway. Frames queued while reconnecting are
// written after the next identify.
func (c *Client) Send(ctx context.Context, op frame.Opcode, d any) error {
	data, err := frame.Encode(op, d)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a frame without blocking. Used from timer callbacks.
func (c *Client) trySend(op frame.Opcode, d any) error {
	data, err := frame.Encode(op, d)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Run connects and processes the gateway until ctx ends, Close is called,
// or the reconnect budget is exhausted. A failure to establish the first
// connection is returned directly. After Close, Run returns nil.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.stopping {
		c.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	defer c.shutdown()
	defer cancel()

	first := true
	for {
		connected, err := c.connectAndServe(ctx)
		c.hb.stop()
		c.stopResetTimer()

		if ctx.Err() != nil {
			c.setState(StateClosed)
			if c.isStopping() {
				return nil
			}
			return ctx.Err()
		}

		if !connected {
			c.log.Warn("gateway connect failed", "error", err)
			c.bus.emit(Notification{Name: NotifyError, Err: err})
			if first {
				c.setState(StateClosed)
				return err
			}
		} else {
			c.log.Warn("gateway connection closed", "error", err)
		}
		first = false
		c.bus.emit(Notification{Name: NotifyClose, Err: err})

		c.mu.Lock()
		if c.reconnects >= c.cfg.MaxReconnects {
			c.state = StateClosed
			attempts := c.reconnects
			c.mu.Unlock()
			c.log.Error("giving up on gateway", "attempts", attempts)
			c.bus.emit(Notification{Name: NotifyReconnectMax, Err: ErrReconnectExhausted})
			return ErrReconnectExhausted
		}
		c.reconnects++
		c.reconnecting = true
		c.state = StateReconnecting
		attempt := c.reconnects
		c.mu.Unlock()

		c.metrics.reconnects.Inc()
		c.log.Info("reconnecting to gateway", "attempt", attempt)
		c.bus.emit(Notification{Name: NotifyReconnecting})

		if err := sleepCtx(ctx, c.cfg.ReconnectDelay); err != nil {
			c.setState(StateClosed)
			if c.isStopping() {
				return nil
			}
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run and closes the voice session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	c.stopping = true
	cancel := c.cancel
	vs := c.voice
	c.voice = nil
	running := c.running
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if vs != nil {
		vs.Close()
	}
	if !running {
		c.shutdown()
	}
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.hb.stop()
		c.stopResetTimer()
		c.boot.stop()
		c.setState(StateClosed)
		close(c.done)
	})
}

func (c *Client) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connectAndServe resolves a fresh endpoint, dials, identifies, and serves
// the connection until it ends. connected reports whether the dial and
// identify succeeded.
func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	c.setState(StateConnecting)

	base, err := c.cfg.Gateway.GatewayURL(ctx)
	if err != nil {
		return false, &TransportError{Op: "resolve gateway", Err: err}
	}
	endpoint, err := gatewayURL(base)
	if err != nil {
		return false, &TransportError{Op: "resolve gateway", Err: err}
	}

	conn, br, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return false, &TransportError{Op: "dial", Err: err}
	}
	if br != nil {
		// HELLO can arrive in the same read as the handshake response.
		conn = bufferedConn{Conn: conn, r: br}
	}
	c.mu.Lock()
	c.gateway = endpoint
	c.mu.Unlock()

	if err := c.identify(conn); err != nil {
		conn.Close()
		return false, &TransportError{Op: "identify", Err: err}
	}
	c.setState(StateAuthenticated)
	c.log.Info("connected to gateway", "endpoint", endpoint)

	return true, c.serve(ctx, conn)
}

// identify is written directly so it always precedes queued frames.
func (c *Client) identify(conn net.Conn) error {
	data, err := frame.Encode(frame.OpIdentify, wire.Identify{
		Token:          c.cfg.Token,
		Version:        GatewayVersion,
		Properties:     c.cfg.Properties,
		LargeThreshold: c.cfg.LargeThreshold,
		Compress:       true,
	})
	if err != nil {
		return err
	}
	return wsutil.WriteClientText(conn, data)
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(conn) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	return g.Wait()
}

func (c *Client) readLoop(conn net.Conn) error {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			return err
		}
		if op == ws.OpBinary {
			data, err = frame.Inflate(data)
			if err != nil {
				c.malformed(err, "")
				continue
			}
		}
		if err := c.process(data); err != nil {
			return err
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case data := <-c.out:
			if err := wsutil.WriteClientText(conn, data); err != nil {
				return &TransportError{Op: "write", Err: err}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// reset timer: a connection that stays up for ResetGrace after READY is
// considered healthy again.
func (c *Client) armResetTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(c.cfg.ResetGrace, func() {
		c.mu.Lock()
		c.reconnects = 0
		c.mu.Unlock()
		c.log.Debug("gateway stable, reconnect counter reset")
	})
}

func (c *Client) stopResetTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
		c.resetTimer = nil
	}
}
