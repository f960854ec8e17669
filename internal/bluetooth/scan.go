package bluetooth

import (
	"log/slog"
	"time"
)

// DefaultScanDuration is how long a discovery scan runs.
const DefaultScanDuration = 12 * time.Second

// StartScan powers the adapter on and runs a discovery scan in the
// background. It returns false, without starting anything, if a scan is
// already running.
func (m *Manager) StartScan(duration time.Duration) bool {
	if duration <= 0 {
		duration = DefaultScanDuration
	}

	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return false
	}
	m.scanning = true
	m.discovered = make(map[string]string)
	m.mu.Unlock()

	m.powerOn()
	slog.Info("[BT] scan started", "duration", duration)
	go m.scan(duration)
	return true
}

// Scanning reports whether a discovery scan is running.
func (m *Manager) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

func (m *Manager) scan(duration time.Duration) {
	defer func() {
		m.mu.Lock()
		m.scanning = false
		found := len(m.discovered)
		m.mu.Unlock()
		slog.Info("[BT] scan finished", "found", found)
	}()

	sess, err := m.shell.Open()
	if err != nil {
		slog.Error("[BT] scan: cannot open shell", "error", err)
		return
	}
	defer sess.Close()

	if err := sess.Send("scan on"); err != nil {
		slog.Error("[BT] scan: directive failed", "error", err)
		return
	}

	deadline := time.Now().Add(duration)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		res := sess.WaitFor([]string{"Device "}, left)
		for _, line := range res.Lines {
			m.recordDiscovery(line)
		}
		if res.Closed {
			slog.Warn("[BT] scan: shell output ended early")
			return
		}
	}
	_ = sess.Send("scan off")
}

// recordDiscovery adds a named advertiser from a discovery line.
func (m *Manager) recordDiscovery(line string) {
	addr, name, ok := parseDeviceLine(line)
	if !ok || unnamedAdvertiser(addr, name) {
		return
	}
	m.mu.Lock()
	prev, seen := m.discovered[addr]
	m.discovered[addr] = name
	m.mu.Unlock()
	if !seen || prev != name {
		slog.Info("[BT] found device", "address", addr, "name", name)
	}
}

// Discovered returns a copy of the devices found by the last scan.
func (m *Manager) Discovered() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.discovered))
	for k, v := range m.discovered {
		out[k] = v
	}
	return out
}
