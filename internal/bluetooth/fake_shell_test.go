package bluetooth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/dabradio/internal/bluetooth/registry"
	"github.com/chaz8081/dabradio/internal/bluetooth/shell"
)

// fakeShell is a scripted bluetoothctl. Info responses are queued per
// address (the last one repeats), interactive waits are scripted per
// directive verb ("pair", "connect", "scan").
type fakeShell struct {
	mu sync.Mutex

	info      map[string][]string
	responses map[string]string
	waits     map[string][]shell.WaitResult
	waitDelay time.Duration
	openErr   error

	queries    []string
	directives []string
	opened     int
	open       int
	maxOpen    int
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		info:      make(map[string][]string),
		responses: make(map[string]string),
		waits:     make(map[string][]shell.WaitResult),
	}
}

// setInfo queues info responses for address.
func (f *fakeShell) setInfo(address string, outs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info[address] = outs
}

// script queues WaitFor results for directives starting with verb.
func (f *fakeShell) script(verb string, results ...shell.WaitResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits[verb] = results
}

func (f *fakeShell) Query(command string, timeout time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, command)

	if addr, ok := strings.CutPrefix(command, "info "); ok {
		q := f.info[addr]
		if len(q) == 0 {
			return ""
		}
		out := q[0]
		if len(q) > 1 {
			f.info[addr] = q[1:]
		}
		return out
	}
	return f.responses[command]
}

func (f *fakeShell) Open() (shell.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &fakeSession{shell: f}, nil
}

func (f *fakeShell) countQueries(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, q := range f.queries {
		if strings.HasPrefix(q, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeShell) countDirectives(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.directives {
		if strings.HasPrefix(d, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeShell) directiveLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.directives...)
}

func (f *fakeShell) queryLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fakeSession struct {
	shell  *fakeShell
	last   string
	closed bool
}

func (s *fakeSession) Send(line string) error {
	s.shell.mu.Lock()
	defer s.shell.mu.Unlock()
	if s.closed {
		return errors.New("fake: session closed")
	}
	s.shell.directives = append(s.shell.directives, line)
	s.last, _, _ = strings.Cut(line, " ")
	return nil
}

func (s *fakeSession) WaitFor(keywords []string, timeout time.Duration) shell.WaitResult {
	s.shell.mu.Lock()
	q := s.shell.waits[s.last]
	delay := s.shell.waitDelay
	var res shell.WaitResult
	scripted := len(q) > 0
	if scripted {
		res = q[0]
		if len(q) > 1 {
			s.shell.waits[s.last] = q[1:]
		}
	}
	s.shell.mu.Unlock()

	if !scripted {
		time.Sleep(timeout)
		return shell.WaitResult{}
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return res
}

func (s *fakeSession) Close() error {
	s.shell.mu.Lock()
	defer s.shell.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.shell.open--
	return nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu    sync.Mutex
	state registry.State
	saves int
}

func (s *memStore) Load() registry.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *memStore) Save(st registry.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.saves++
	return nil
}

func (s *memStore) get() (registry.State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.saves
}

// fakeAudio records audio service restarts.
type fakeAudio struct {
	mu       sync.Mutex
	restarts int
	err      error
}

func (a *fakeAudio) Restart(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restarts++
	return a.err
}

type fakeSinks struct{ ready bool }

func (p fakeSinks) HasSink(address string) bool { return p.ready }

type fakeRadio struct {
	mu     sync.Mutex
	blocks int
}

func (r *fakeRadio) Unblock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks++
}

// fastOptions keeps every wait and settle short so workflows finish in
// milliseconds.
func fastOptions() Options {
	return Options{
		QueryTimeout:      20 * time.Millisecond,
		ActionTimeout:     20 * time.Millisecond,
		PairTimeout:       20 * time.Millisecond,
		ConnectTimeout:    20 * time.Millisecond,
		AudioPollInterval: time.Millisecond,
		AudioPollAttempts: 3,
		StatusCacheTTL:    10 * time.Second,
		Tiers:             TierNames,
	}
}

const (
	speakerAddr = "AA:BB:CC:DD:EE:01"
	otherAddr   = "AA:BB:CC:DD:EE:02"
)

func infoOut(alias string, paired, connected bool) string {
	yn := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	return "Device " + speakerAddr + " (public)\n" +
		"\tName: " + alias + "\n" +
		"\tAlias: " + alias + "\n" +
		"\tPaired: " + yn(paired) + "\n" +
		"\tTrusted: yes\n" +
		"\tConnected: " + yn(connected) + "\n"
}

func matched(keyword, line string) shell.WaitResult {
	return shell.WaitResult{Keyword: keyword, Line: line, Lines: []string{line}}
}
