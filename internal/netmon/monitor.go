// Package netmon watches connectivity, link type and latency, and turns them
// into advisories: whether a payload should be compressed and whether
// non-critical work should be deferred.
//
// State changes come from two places: a periodic probe loop driven by a
// Prober, and external signals (SetConnectivity, SetLinkType, SetLowPower)
// pushed by the host. The first Online after an Offline produces exactly one
// ConnectionRestored notification, even when Unknown came in between; staying
// Online produces none.
package netmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/events"
)

// Prober is the host-specific connectivity probe.
type Prober interface {
	// CurrentLinkType reports the link in use. LinkNone means no link.
	CurrentLinkType(ctx context.Context) (LinkType, error)

	// Ping measures round-trip latency to target.
	Ping(ctx context.Context, target string) (time.Duration, error)
}

// Config controls probing and the advisory thresholds.
type Config struct {
	// ProbeInterval is the period of the probe loop. 0 disables probing.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`

	// Target is what Ping measures against, e.g. "hooks.example.com:443".
	Target string `yaml:"target"`

	// FailureThreshold is how many consecutive failed pings mark the link
	// Offline.
	FailureThreshold int `yaml:"failure_threshold"`

	// CompressThreshold is the payload size in bytes above which
	// ShouldCompress may advise compression.
	CompressThreshold int `yaml:"compress_threshold"`

	// Latency bounds for Quality: below Excellent is excellent, below Good is
	// good, below Fair is fair, anything else is poor.
	ExcellentLatency time.Duration `yaml:"excellent_latency"`
	GoodLatency      time.Duration `yaml:"good_latency"`
	FairLatency      time.Duration `yaml:"fair_latency"`
}

// DefaultConfig returns the default probe settings.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:     30 * time.Second,
		ProbeTimeout:      5 * time.Second,
		FailureThreshold:  2,
		CompressThreshold: 1024,
		ExcellentLatency:  50 * time.Millisecond,
		GoodLatency:       150 * time.Millisecond,
		FairLatency:       500 * time.Millisecond,
	}
}

// Validate rejects inconsistent thresholds.
func (c Config) Validate() error {
	switch {
	case c.ProbeInterval < 0:
		return errors.New("netmon: probe_interval must be >= 0")
	case c.FailureThreshold < 1:
		return errors.New("netmon: failure_threshold must be at least 1")
	case c.CompressThreshold < 0:
		return errors.New("netmon: compress_threshold must be >= 0")
	case !(c.ExcellentLatency <= c.GoodLatency && c.GoodLatency <= c.FairLatency):
		return errors.New("netmon: latency thresholds must be ascending")
	}
	return nil
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProber enables the probe loop.
func WithProber(p Prober) Option { return func(m *Monitor) { m.prober = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clk = c } }

// WithPublisher sets where ConnectivityChanged and ConnectionRestored go.
func WithPublisher(p events.Publisher) Option { return func(m *Monitor) { m.pub = p } }

// Monitor is the network condition state machine.
type Monitor struct {
	cfg    Config
	prober Prober
	log    *zap.Logger
	clk    clock.Clock
	pub    events.Publisher

	mu       sync.RWMutex
	state    State
	failures int
	// wasOffline is set by Offline and cleared by the next Online, so
	// Offline, Unknown, Online still counts as a restoration.
	wasOffline bool

	subsMu sync.RWMutex
	subs   []chan Change

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Monitor in the Unknown state.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FairLatency == 0 && cfg.GoodLatency == 0 && cfg.ExcellentLatency == 0 {
		cfg.ExcellentLatency, cfg.GoodLatency, cfg.FairLatency = def.ExcellentLatency, def.GoodLatency, def.FairLatency
	}

	m := &Monitor{
		cfg: cfg,
		log: zap.NewNop(),
		clk: clock.New(),
		pub: events.Discard,
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(zap.String("component", "netmon"))
	m.state.UpdatedAt = m.clk.Now()
	return m
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Start runs one probe immediately and then starts the probe loop. Without a
// prober, or with a zero ProbeInterval, the monitor only reacts to external
// signals. Start is idempotent.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if m.prober == nil || m.cfg.ProbeInterval <= 0 {
		m.cancel = func() {}
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(1)
	go m.probeLoop(runCtx)
	m.log.Info("network monitor started",
		zap.Duration("interval", m.cfg.ProbeInterval),
		zap.String("target", m.cfg.Target))
	return nil
}

// Stop halts the probe loop and closes every subscription channel.
func (m *Monitor) Stop() error {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.runMu.Unlock()
	m.wg.Wait()

	m.subsMu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subsMu.Unlock()
	return nil
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	m.Probe(ctx)

	ticker := m.clk.Ticker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one probe cycle: link type, then a latency check against the
// target. It is exported so hosts and tests can force a check.
func (m *Monitor) Probe(ctx context.Context) {
	if m.prober == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	link, err := m.prober.CurrentLinkType(pctx)
	if err != nil {
		m.log.Debug("link type probe failed", zap.Error(err))
	} else {
		m.setLink(link)
		if link == LinkNone {
			m.transitionTo(Offline, "no network link")
			return
		}
	}

	if m.cfg.Target == "" {
		if err == nil {
			m.transitionTo(Online, "link up")
		}
		return
	}

	latency, perr := m.prober.Ping(pctx, m.cfg.Target)
	if ctx.Err() != nil {
		return
	}
	if perr != nil {
		m.mu.Lock()
		m.failures++
		failures := m.failures
		m.mu.Unlock()
		m.log.Debug("ping failed", zap.String("target", m.cfg.Target), zap.Int("consecutive", failures), zap.Error(perr))
		if failures >= m.cfg.FailureThreshold {
			m.transitionTo(Offline, "target unreachable")
		}
		return
	}

	m.RecordLatency(latency)
	m.transitionTo(Online, "target reachable")
}

// ─── external signals ────────────────────────────────────────────────────────

// SetConnectivity applies a connectivity signal from the host.
func (m *Monitor) SetConnectivity(c Connectivity) {
	if c == Online {
		m.mu.Lock()
		m.failures = 0
		m.mu.Unlock()
	}
	m.transitionTo(c, "external signal")
}

// SetLinkType applies a link-type signal from the host. LinkNone also marks
// the monitor Offline.
func (m *Monitor) SetLinkType(l LinkType) {
	m.setLink(l)
	if l == LinkNone {
		m.transitionTo(Offline, "no network link")
	}
}

// SetLowPower records whether the host is in a low-power mode.
func (m *Monitor) SetLowPower(on bool) {
	m.mu.Lock()
	m.state.LowPower = on
	m.state.UpdatedAt = m.clk.Now()
	m.mu.Unlock()
}

// RecordLatency stores a latency sample, from a probe or from a real
// delivery, and reclassifies Quality.
func (m *Monitor) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.failures = 0
	m.state.LastLatency = d
	m.state.Quality = m.classify(d)
	m.state.UpdatedAt = m.clk.Now()
	m.mu.Unlock()
}

func (m *Monitor) setLink(l LinkType) {
	m.mu.Lock()
	m.state.LinkType = l
	m.state.UpdatedAt = m.clk.Now()
	m.mu.Unlock()
}

// ─── reads and advisories ────────────────────────────────────────────────────

// State returns a copy of the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connectivity returns the current connectivity.
func (m *Monitor) Connectivity() Connectivity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Connectivity
}

// Quality returns the classification of the last latency sample.
func (m *Monitor) Quality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Quality
}

func (m *Monitor) classify(d time.Duration) Quality {
	switch {
	case d <= 0:
		return QualityUnknown
	case d < m.cfg.ExcellentLatency:
		return QualityExcellent
	case d < m.cfg.GoodLatency:
		return QualityGood
	case d < m.cfg.FairLatency:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ShouldCompress advises compressing a payload of size bytes: it must exceed
// CompressThreshold, and the link must be cellular or the latency poor.
func (m *Monitor) ShouldCompress(size int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if size <= m.cfg.CompressThreshold {
		return false
	}
	return m.state.LinkType == LinkCellular || m.state.Quality == QualityPoor
}

// ShouldDefer advises holding back non-critical work: always while Offline,
// and in low-power mode when the caller says it is mobile-constrained.
func (m *Monitor) ShouldDefer(mobileConstrained bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Connectivity == Offline {
		return true
	}
	return m.state.LowPower && mobileConstrained
}

// ─── transitions and subscribers ─────────────────────────────────────────────

// Subscribe returns a channel that receives every connectivity change until
// Stop. Slow readers may miss changes.
func (m *Monitor) Subscribe() <-chan Change {
	ch := make(chan Change, 8)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes and removes ch.
func (m *Monitor) Unsubscribe(ch <-chan Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, sub := range m.subs {
		if sub == ch {
			close(sub)
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs = m.subs[:last]
			return
		}
	}
}

func (m *Monitor) transitionTo(next Connectivity, reason string) {
	m.mu.Lock()
	prev := m.state.Connectivity
	if prev == next {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	m.state.Connectivity = next
	m.state.UpdatedAt = now
	if next == Offline {
		m.state.Quality = QualityUnknown
	}
	restored := m.wasOffline && next == Online
	switch next {
	case Offline:
		m.wasOffline = true
	case Online:
		m.wasOffline = false
	}
	change := Change{
		Previous: prev,
		Current:  next,
		State:    m.state,
		Restored: restored,
		Reason:   reason,
		Time:     now,
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed",
		zap.Stringer("previous", prev),
		zap.Stringer("current", next),
		zap.String("reason", reason))

	m.pub.Publish(events.Event{
		Kind:     events.ConnectivityChanged,
		Time:     now,
		Previous: prev.String(),
		Current:  next.String(),
	})
	if change.Restored {
		m.pub.Publish(events.Event{
			Kind:     events.ConnectionRestored,
			Time:     now,
			Previous: prev.String(),
			Current:  next.String(),
		})
	}
	m.notify(change)
}

func (m *Monitor) notify(change Change) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	for _, ch := range m.subs {
		select {
		case ch <- change:
			continue
		default:
		}
		t := time.NewTimer(100 * time.Millisecond)
		select {
		case ch <- change:
		case <-t.C:
			m.log.Warn("subscriber not reading, connectivity change dropped",
				zap.Stringer("current", change.Current))
		}
		t.Stop()
	}
}
