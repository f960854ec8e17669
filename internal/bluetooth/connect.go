package bluetooth

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

var pairKeywords = []string{
	"Pairing successful",
	"Failed to pair",
	"org.bluez.Error",
	"not available",
	"AlreadyExists",
	"Connected: yes",
}

type pairVerdict int

const (
	pairProceed   pairVerdict = iota // paired, or no verdict; go on to connect
	pairFailed                       // explicit failure; stop
	pairConnected                    // device connected on its own while pairing
)

// Connect pairs (when needed) and connects the device at address, making it
// the current audio sink. Concurrent calls are serialized, not rejected.
// It never returns an error: the Result carries success and a user-facing
// message.
func (m *Manager) Connect(address string) Result {
	address = NormalizeAddress(address)
	if address == "" {
		return Result{Message: "device address required"}
	}

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	slog.Info("[BT] connect requested", "address", address)
	m.powerOn()

	info := m.query("info " + address)
	if infoConnected(info) {
		name := infoName(info)
		m.commit(address, name)
		slog.Info("[BT] already connected", "address", address, "name", name)
		return Result{
			Success:    true,
			Message:    "already connected to " + name,
			Name:       name,
			AudioReady: m.audioReady(address),
		}
	}

	a := &attempt{m: m, address: address}
	defer a.release()

	switch a.pair(infoPaired(info)) {
	case pairFailed:
		return Result{Message: MsgPairingFailed}
	case pairConnected:
		if res, ok := m.finalize(address); ok {
			return res
		}
	}

	var failures []string
	for _, t := range m.tiers {
		slog.Info("[BT] trying recovery tier", "tier", t.name, "budget", t.budget)
		ctx, cancel := context.WithTimeout(context.Background(), t.budget)
		out := t.run(ctx, a)
		cancel()

		switch out.verdict {
		case succeeded:
			if res, ok := m.finalize(address); ok {
				return res
			}
		case skipped:
			continue
		case failed:
			failures = append(failures, out.line)
		}

		// The shell's narrative is unreliable under weak signal; the link
		// often comes up after it has already reported a failure.
		time.Sleep(m.opts.VerifyDelay)
		if m.probeLink(address) == linkUp {
			slog.Info("[BT] link came up after tier", "tier", t.name, "verdict", out.verdict)
			if res, ok := m.finalize(address); ok {
				return res
			}
		}
	}

	msg := failureMessage(failures)
	slog.Warn("[BT] all connection attempts failed", "address", address, "message", msg)
	return Result{Message: msg}
}

// pair opens the session shared by the rest of the workflow, registers the
// agent, trusts the device and, if it is not bonded yet, pairs it after a
// short discovery window.
func (a *attempt) pair(paired bool) pairVerdict {
	o := a.m.opts
	sess, err := a.m.shell.Open()
	if err != nil {
		slog.Error("[BT] cannot open shell for pairing", "error", err)
		if paired {
			a.m.shell.Query("trust "+a.address, o.ActionTimeout)
			return pairProceed
		}
		return pairFailed
	}
	a.session = sess

	for _, line := range []string{"agent NoInputNoOutput", "default-agent", "trust " + a.address} {
		if err := sess.Send(line); err != nil {
			slog.Warn("[BT] session directive failed", "line", line, "error", err)
		}
	}
	time.Sleep(o.AgentSettle)

	if paired {
		return pairProceed
	}

	slog.Info("[BT] pairing", "address", a.address, "dwell", o.PairDwell)
	_ = sess.Send("scan on")
	time.Sleep(o.PairDwell)
	_ = sess.Send("scan off")
	time.Sleep(o.ScanOffSettle)

	if err := sess.Send("pair " + a.address); err != nil {
		slog.Warn("[BT] pair directive failed", "error", err)
		return pairFailed
	}
	res := a.waitFor(sess, pairKeywords, o.PairTimeout)
	if !res.Matched() {
		slog.Warn("[BT] no pairing verdict, trying to connect anyway", "address", a.address)
		return pairProceed
	}

	lower := strings.ToLower(res.Line)
	switch {
	case strings.Contains(lower, "alreadyexists"):
		return pairProceed
	case strings.Contains(lower, "connected: yes"):
		slog.Info("[BT] device connected while pairing", "address", a.address)
		return pairConnected
	case strings.Contains(lower, "pairing successful"):
		slog.Info("[BT] paired", "address", a.address)
		return pairProceed
	}
	slog.Warn("[BT] pairing failed", "address", a.address, "line", res.Line)
	return pairFailed
}

// finalize commits the slot once info shows a live link, then probes the
// sink. ok is false when the link is not up; nothing is committed then.
func (m *Manager) finalize(address string) (res Result, ok bool) {
	info := m.query("info " + address)
	if !infoConnected(info) {
		slog.Warn("[BT] link not confirmed", "address", address)
		return Result{}, false
	}
	name := infoName(info)
	m.commit(address, name)
	ready := m.audioReady(address)
	slog.Info("[BT] connected", "address", address, "name", name, "audio_ready", ready)
	return Result{
		Success:    true,
		Message:    "connected to " + name,
		Name:       name,
		AudioReady: ready,
	}, true
}

func (m *Manager) audioReady(address string) bool {
	return m.sinks != nil && m.sinks.HasSink(address)
}
