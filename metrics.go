package discordgw

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing gateway activity.
type Metrics struct {
	frames      *prometheus.CounterVec
	events      *prometheus.CounterVec
	malformed   prometheus.Counter
	heartbeats  prometheus.Counter
	reconnects  prometheus.Counter
	unavailable prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered. Collectors already registered by another client
// on the same registerer are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discordgw",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Inbound gateway frames by opcode.",
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "discordgw",
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Dispatch events applied to the state snapshot.",
		}, []string{"event"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discordgw",
			Subsystem: "gateway",
			Name:      "malformed_total",
			Help:      "Frames or payloads dropped because they failed to decode.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discordgw",
			Subsystem: "gateway",
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames queued for sending.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "discordgw",
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after the connection closed.",
		}),
		unavailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "discordgw",
			Subsystem: "gateway",
			Name:      "unavailable_guilds",
			Help:      "Guilds announced in READY that have not been hydrated yet.",
		}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.frames, err = register(reg, m.frames); err != nil {
		return nil, err
	}
	if m.events, err = register(reg, m.events); err != nil {
		return nil, err
	}
	if m.malformed, err = register(reg, m.malformed); err != nil {
		return nil, err
	}
	if m.heartbeats, err = register(reg, m.heartbeats); err != nil {
		return nil, err
	}
	if m.reconnects, err = register(reg, m.reconnects); err != nil {
		return nil, err
	}
	if m.unavailable, err = register(reg, m.unavailable); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
