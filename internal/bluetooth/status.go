package bluetooth

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"time"
)

type linkState int

const (
	linkUnknown linkState = iota // query failed; not evidence either way
	linkDown
	linkUp
)

// probeLink asks the shell whether address has a live link right now.
func (m *Manager) probeLink(address string) linkState {
	out := m.query("info " + address)
	switch {
	case strings.TrimSpace(out) == "":
		return linkUnknown
	case infoConnected(out):
		return linkUp
	default:
		return linkDown
	}
}

// verifyCurrent re-checks the current device, clearing the slot when the
// link is gone. With cached set, a verification younger than the cache
// window is trusted. Concurrent callers share one query.
func (m *Manager) verifyCurrent(cached bool) (address, name string) {
	m.mu.Lock()
	address, name = m.current, m.currentName
	fresh := m.now().Sub(m.lastVerified) < m.opts.StatusCacheTTL
	m.mu.Unlock()

	if address == "" {
		return "", ""
	}
	if cached && fresh {
		return address, name
	}

	v, _, _ := m.liveness.Do(address, func() (any, error) {
		return m.probeLink(address), nil
	})

	switch v.(linkState) {
	case linkUp:
		m.mu.Lock()
		if m.current == address {
			m.lastVerified = m.now()
		}
		m.mu.Unlock()
		return address, name
	case linkDown:
		if m.clearIf(address) {
			slog.Info("[BT] device no longer connected", "address", address)
		}
		return "", ""
	default:
		// Inconclusive: keep the slot and try again on the next call.
		return address, name
	}
}

// Status reports scanning and the cached connection state.
func (m *Manager) Status() Status {
	address, name := m.verifyCurrent(true)
	st := Status{
		Scanning:  m.Scanning(),
		Connected: address != "",
	}
	if st.Connected {
		st.Address = address
		st.Name = name
	}
	return st
}

// ConnectedDevice returns the current device's address after an uncached
// live check, or "" when nothing is connected. Audio routing uses it right
// before opening a stream.
func (m *Manager) ConnectedDevice() string {
	address, _ := m.verifyCurrent(false)
	return address
}

// Devices lists known, paired and freshly discovered devices: connected
// first, then paired, then by name.
func (m *Manager) Devices() []Device {
	known, order := parseDeviceList(m.query("devices"))
	pairedOut := m.query("paired-devices")
	if strings.Contains(pairedOut, "Invalid command") {
		// bluetoothctl 5.65+ dropped paired-devices.
		pairedOut = m.query("devices Paired")
	}
	pairedNames, pairedOrder := parseDeviceList(pairedOut)

	names := make(map[string]string)
	var addrs []string
	add := func(addr, name string) {
		if name == "" {
			return
		}
		if _, ok := names[addr]; ok {
			return
		}
		names[addr] = name
		addrs = append(addrs, addr)
	}
	for _, addr := range order {
		add(addr, known[addr])
	}
	for _, addr := range pairedOrder {
		add(addr, pairedNames[addr])
	}
	m.mu.Lock()
	for addr, name := range m.discovered {
		add(addr, name)
	}
	m.mu.Unlock()

	connected, _ := m.verifyCurrent(true)

	devices := make([]Device, 0, len(addrs))
	for _, addr := range addrs {
		_, paired := pairedNames[addr]
		devices = append(devices, Device{
			Address:   addr,
			Name:      names[addr],
			Paired:    paired,
			Connected: addr == connected,
		})
	}
	slices.SortStableFunc(devices, func(a, b Device) int {
		if c := cmp.Compare(rank(a), rank(b)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return devices
}

func rank(d Device) int {
	switch {
	case d.Connected:
		return 0
	case d.Paired:
		return 1
	default:
		return 2
	}
}

// Info returns the shell's view of a single device. ok is false when the
// query was inconclusive.
func (m *Manager) Info(address string) (d Device, ok bool) {
	address = NormalizeAddress(address)
	out := m.query("info " + address)
	if strings.TrimSpace(out) == "" {
		return Device{Address: address, Name: UnknownName}, false
	}
	return Device{
		Address:   address,
		Name:      infoName(out),
		Paired:    infoPaired(out),
		Trusted:   infoTrusted(out),
		Connected: infoConnected(out),
	}, true
}

// Disconnect drops the link to address, or to the current device when
// address is empty. It reports false when there is nothing to disconnect.
// The directive is treated as authoritative; no verification follows.
func (m *Manager) Disconnect(address string) bool {
	address = NormalizeAddress(address)
	if address == "" {
		address, _ = m.Current()
	}
	if address == "" {
		return false
	}
	slog.Info("[BT] disconnecting", "address", address)
	m.shell.Query("disconnect "+address, m.opts.QueryTimeout)
	m.clearIf(address)
	return true
}

// Remove disconnects and unpairs address and forgets it from the last scan.
func (m *Manager) Remove(address string) bool {
	address = NormalizeAddress(address)
	if address == "" {
		return false
	}
	slog.Info("[BT] removing device", "address", address)
	m.shell.Query("disconnect "+address, m.opts.QueryTimeout)
	time.Sleep(m.opts.RemoveSettle)
	m.shell.Query("remove "+address, m.opts.QueryTimeout)

	m.clearIf(address)
	m.mu.Lock()
	delete(m.discovered, address)
	m.mu.Unlock()
	return true
}
