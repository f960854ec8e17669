package bluetooth

import (
	"context"
	"log/slog"
	"time"
)

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// detectConnected adopts a device the adapter already has a live link to,
// e.g. one that reconnected by itself before the daemon started.
func (m *Manager) detectConnected() bool {
	names, order := parseDeviceList(m.query("devices Connected"))
	for _, addr := range order {
		info := m.query("info " + addr)
		if !infoConnected(info) {
			continue
		}
		name := infoName(info)
		if name == UnknownName && names[addr] != "" {
			name = names[addr]
		}
		m.commit(addr, name)
		slog.Info("[BT] found existing connection", "address", addr, "name", name)
		return true
	}
	return false
}

// AutoReconnect restores audio at startup: it adopts an existing link, or
// connects the last known device. It reports whether a device is connected.
func (m *Manager) AutoReconnect() bool {
	m.powerOn()
	if m.detectConnected() {
		return true
	}
	address, name := m.Current()
	if address == "" {
		slog.Info("[BT] no previous device to reconnect")
		return false
	}
	slog.Info("[BT] reconnecting last device", "address", address, "name", name)
	res := m.Connect(address)
	if !res.Success {
		slog.Warn("[BT] auto-reconnect failed", "address", address, "message", res.Message)
	}
	return res.Success
}

// ReconnectLoop runs AutoReconnect up to attempts times with exponential
// backoff between tries, stopping early on success, when there is no device
// to reconnect, or when ctx is done.
func (m *Manager) ReconnectLoop(ctx context.Context, attempts, maxBackoffSeconds int) bool {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, maxBackoffSeconds)
			slog.Info("[BT] reconnect backoff", "attempt", attempt+1, "delay", delay)
			if !sleep(ctx, delay) {
				return false
			}
		}
		if m.AutoReconnect() {
			return true
		}
		if address, _ := m.Current(); address == "" {
			return false
		}
	}
	slog.Warn("[BT] giving up on auto-reconnect", "attempts", attempts)
	return false
}
