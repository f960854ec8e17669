package bluetooth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/dabradio/internal/bluetooth/registry"
	"github.com/chaz8081/dabradio/internal/bluetooth/shell"
	"golang.org/x/sync/singleflight"
)

// Store persists the connection slot.
type Store interface {
	Load() registry.State
	Save(registry.State) error
}

// Radio lifts software blocks and brings the host adapter up. Best effort:
// failures are logged by the implementation and never stop a workflow.
type Radio interface {
	Unblock()
}

// AudioService restarts the host audio server (PulseAudio/PipeWire).
type AudioService interface {
	Restart(ctx context.Context) error
}

// SinkProber checks whether the audio server exposes a sink for a device.
type SinkProber interface {
	HasSink(address string) bool
}

// Options configures timeouts and settle delays of the orchestrator.
type Options struct {
	QueryTimeout   time.Duration // one-shot info/devices queries
	ActionTimeout  time.Duration // one-shot disconnect/remove/trust
	PairTimeout    time.Duration // wait for a pairing verdict
	ConnectTimeout time.Duration // wait for a connect verdict

	AgentSettle     time.Duration // after registering the agent in a session
	PairDwell       time.Duration // discovery window before pairing
	ScanOffSettle   time.Duration // after ending the discovery window
	VerifyDelay     time.Duration // before re-checking a failed tier
	ReconnectSettle time.Duration // between disconnect and reconnect
	RemoveSettle    time.Duration // between disconnect and remove

	AudioRestartTimeout time.Duration // restarting the audio service
	AudioPollInterval   time.Duration // between auto-connect checks
	AudioPollAttempts   int           // auto-connect checks after restart

	StatusCacheTTL time.Duration // how long a verified link is trusted

	Tiers []string // recovery tiers tried in order, see TierNames
}

// DefaultOptions returns the timings the appliance ships with.
func DefaultOptions() Options {
	return Options{
		QueryTimeout:   10 * time.Second,
		ActionTimeout:  5 * time.Second,
		PairTimeout:    20 * time.Second,
		ConnectTimeout: 15 * time.Second,

		AgentSettle:     time.Second,
		PairDwell:       4 * time.Second,
		ScanOffSettle:   500 * time.Millisecond,
		VerifyDelay:     3 * time.Second,
		ReconnectSettle: 2 * time.Second,
		RemoveSettle:    time.Second,

		AudioRestartTimeout: 10 * time.Second,
		AudioPollInterval:   2 * time.Second,
		AudioPollAttempts:   10,

		StatusCacheTTL: 10 * time.Second,

		Tiers: []string{TierDirect, TierReconnect, TierAudioRestart},
	}
}

// Manager is the Bluetooth session orchestrator. Construct one per process
// and share it; all methods are safe for concurrent use.
type Manager struct {
	shell shell.Shell
	store Store
	radio Radio
	audio AudioService
	sinks SinkProber
	opts  Options
	tiers []tier
	now   func() time.Time

	// connectMu serializes whole connect workflows. Held for minutes in the
	// worst case; never taken while holding mu.
	connectMu sync.Mutex

	mu           sync.Mutex
	current      string
	currentName  string
	lastVerified time.Time
	scanning     bool
	discovered   map[string]string

	liveness singleflight.Group
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRadio sets the adapter unblock hook run before power-on.
func WithRadio(r Radio) Option { return func(m *Manager) { m.radio = r } }

// WithAudioService enables the audio-restart recovery tier.
func WithAudioService(a AudioService) Option { return func(m *Manager) { m.audio = a } }

// WithSinkProber enables the post-connect audio sink check.
func WithSinkProber(p SinkProber) Option { return func(m *Manager) { m.sinks = p } }

// New creates a Manager and restores the last device from store. The
// restored link is unverified until the first status check.
func New(sh shell.Shell, store Store, opts Options, options ...Option) *Manager {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 5 * time.Second
	}
	if opts.PairTimeout <= 0 {
		opts.PairTimeout = 20 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if len(opts.Tiers) == 0 {
		opts.Tiers = DefaultOptions().Tiers
	}

	m := &Manager{
		shell:      sh,
		store:      store,
		opts:       opts,
		tiers:      buildTiers(opts),
		now:        time.Now,
		discovered: make(map[string]string),
	}
	for _, o := range options {
		o(m)
	}

	st := store.Load()
	m.current = NormalizeAddress(st.Address)
	m.currentName = st.Name
	if m.current != "" {
		slog.Info("[BT] restored last device", "address", m.current, "name", m.currentName)
	}
	return m
}

// query runs a one-shot shell query with the default query timeout.
func (m *Manager) query(command string) string {
	return m.shell.Query(command, m.opts.QueryTimeout)
}

// powerOn lifts the rfkill block and asks the adapter to power on with a
// no-interaction agent. Idempotent.
func (m *Manager) powerOn() {
	if m.radio != nil {
		m.radio.Unblock()
	}
	m.shell.Query("power on\nagent NoInputNoOutput\ndefault-agent", m.opts.QueryTimeout)
}

// commit records a verified live link and persists it.
func (m *Manager) commit(address, name string) {
	if name == "" {
		name = UnknownName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = address
	m.currentName = name
	m.lastVerified = m.now()
	m.persistLocked()
}

// clearIf empties the slot when it holds address (any address when empty)
// and persists the change. Reports whether anything was cleared.
func (m *Manager) clearIf(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" || (address != "" && m.current != address) {
		return false
	}
	m.current = ""
	m.currentName = ""
	m.lastVerified = time.Time{}
	m.persistLocked()
	return true
}

// persistLocked rewrites the registry; the caller must hold mu so writes are
// ordered like the mutations they record.
func (m *Manager) persistLocked() {
	st := registry.State{Address: m.current, Name: m.currentName}
	if err := m.store.Save(st); err != nil {
		slog.Error("[BT] failed to persist device state", "error", err)
	}
}

// Current returns the address and name in the connection slot without
// verifying the link.
func (m *Manager) Current() (address, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.currentName
}
