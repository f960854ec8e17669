package bluetooth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/dabradio/internal/bluetooth/shell"
)

// Recovery tier names, usable in Options.Tiers.
const (
	// TierDirect issues connect on the session left open by the pairing stage.
	TierDirect = "direct"
	// TierReconnect drops any half-open link, then connects from scratch.
	TierReconnect = "reconnect"
	// TierAudioRestart restarts the host audio service and waits for its own
	// A2DP auto-connect before a final explicit connect.
	TierAudioRestart = "audio-restart"
)

// TierNames lists every recovery tier in the default order.
var TierNames = []string{TierDirect, TierReconnect, TierAudioRestart}

// sessionSlack covers opening and closing a shell around a tier's waits.
const sessionSlack = 10 * time.Second

var connectKeywords = []string{
	"Connection successful",
	"Connected: yes",
	"AlreadyConnected",
	"Failed to connect",
	"not available",
	"profile-unavailable",
	"br-connection",
}

type verdict int

const (
	inconclusive verdict = iota
	succeeded
	failed
	skipped
)

func (v verdict) String() string {
	switch v {
	case succeeded:
		return "succeeded"
	case failed:
		return "failed"
	case skipped:
		return "skipped"
	default:
		return "inconclusive"
	}
}

// outcome is what a tier observed. line holds the raw shell line behind a
// failed verdict.
type outcome struct {
	verdict verdict
	line    string
}

// tier is one connection strategy. Each runs under its own budget so a stuck
// tier cannot hang the whole workflow.
type tier struct {
	name   string
	budget time.Duration
	run    func(ctx context.Context, a *attempt) outcome
}

func buildTiers(o Options) []tier {
	var tiers []tier
	for _, name := range o.Tiers {
		switch name {
		case TierDirect:
			tiers = append(tiers, tier{
				name:   name,
				budget: o.ConnectTimeout + sessionSlack,
				run:    directTier,
			})
		case TierReconnect:
			tiers = append(tiers, tier{
				name:   name,
				budget: o.ActionTimeout + o.ReconnectSettle + o.ConnectTimeout + sessionSlack,
				run:    reconnectTier,
			})
		case TierAudioRestart:
			poll := time.Duration(o.AudioPollAttempts) * o.AudioPollInterval
			tiers = append(tiers, tier{
				name:   name,
				budget: o.ActionTimeout + o.RemoveSettle + o.AudioRestartTimeout + poll + o.ConnectTimeout + sessionSlack,
				run:    audioRestartTier,
			})
		default:
			slog.Warn("[BT] unknown recovery tier, ignoring", "tier", name)
		}
	}
	return tiers
}

// attempt carries per-call state through the tiers of one Connect.
type attempt struct {
	m       *Manager
	address string
	// session is the shell opened by the pairing stage, handed to the first
	// tier that connects. nil once consumed.
	session shell.Session
}

// release closes the inherited session if no tier took it.
func (a *attempt) release() {
	if a.session != nil {
		_ = a.session.Close()
		a.session = nil
	}
}

// connectOnce issues connect on the inherited session, or on a fresh one,
// and waits for a verdict. The session is always closed.
func (a *attempt) connectOnce(ctx context.Context) outcome {
	sess := a.session
	a.session = nil
	if sess == nil {
		var err error
		if sess, err = a.m.shell.Open(); err != nil {
			slog.Warn("[BT] cannot open shell for connect", "error", err)
			return outcome{}
		}
	}
	defer sess.Close()

	if err := sess.Send("connect " + a.address); err != nil {
		slog.Warn("[BT] connect directive failed", "error", err)
		return outcome{}
	}
	res := a.waitFor(sess, connectKeywords, within(ctx, a.m.opts.ConnectTimeout))
	out := classifyConnect(res)
	slog.Info("[BT] connect verdict", "address", a.address, "verdict", out.verdict, "line", res.Line)
	return out
}

// waitFor is Session.WaitFor, skipping matches on notifications about other
// devices. The pairing session has usually just run discovery, so its
// buffer carries chatter from every advertiser in range.
func (a *attempt) waitFor(sess shell.Session, keywords []string, timeout time.Duration) shell.WaitResult {
	deadline := time.Now().Add(timeout)
	var lines []string
	for {
		res := sess.WaitFor(keywords, time.Until(deadline))
		lines = append(lines, res.Lines...)
		res.Lines = lines
		if !res.Matched() || !foreignLine(res.Line, a.address) {
			return res
		}
		slog.Debug("[BT] ignoring other device", "line", res.Line)
		if time.Until(deadline) <= 0 {
			return shell.WaitResult{Lines: lines}
		}
	}
}

func directTier(ctx context.Context, a *attempt) outcome {
	return a.connectOnce(ctx)
}

func reconnectTier(ctx context.Context, a *attempt) outcome {
	a.release()
	a.m.shell.Query("disconnect "+a.address, within(ctx, a.m.opts.ActionTimeout))
	if !sleep(ctx, a.m.opts.ReconnectSettle) {
		return outcome{}
	}
	return a.connectOnce(ctx)
}

func audioRestartTier(ctx context.Context, a *attempt) outcome {
	if a.m.audio == nil {
		return outcome{verdict: skipped}
	}
	a.release()
	a.m.shell.Query("disconnect "+a.address, within(ctx, a.m.opts.ActionTimeout))
	if !sleep(ctx, a.m.opts.RemoveSettle) {
		return outcome{}
	}

	rctx, cancel := context.WithTimeout(ctx, a.m.opts.AudioRestartTimeout)
	err := a.m.audio.Restart(rctx)
	cancel()
	if err != nil {
		slog.Warn("[BT] audio service restart failed", "error", err)
	}

	for i := 0; i < a.m.opts.AudioPollAttempts; i++ {
		if !sleep(ctx, a.m.opts.AudioPollInterval) {
			return outcome{}
		}
		if a.m.probeLink(a.address) == linkUp {
			slog.Info("[BT] audio service auto-connected", "address", a.address, "polls", i+1)
			return outcome{verdict: succeeded}
		}
	}
	return a.connectOnce(ctx)
}

// classifyConnect maps the matched line, not just the keyword, so that
// "Failed to connect: org.bluez.Error.AlreadyConnected" counts as success.
func classifyConnect(res shell.WaitResult) outcome {
	if !res.Matched() {
		return outcome{}
	}
	lower := strings.ToLower(res.Line)
	for _, ok := range []string{"alreadyconnected", "connection successful", "connected: yes"} {
		if strings.Contains(lower, ok) {
			return outcome{verdict: succeeded}
		}
	}
	return outcome{verdict: failed, line: res.Line}
}

// failureMessage picks the most specific message among failed tier lines.
func failureMessage(lines []string) string {
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), "profile-unavailable") {
			return MsgProfileUnavailable
		}
	}
	for _, l := range lines {
		if code := linkError(l); code != "" {
			return MsgLinkErrorPrefix + code
		}
	}
	return MsgConnectFailed
}

// within bounds d by the time left on ctx.
func within(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			if left < 0 {
				return 0
			}
			return left
		}
	}
	return d
}

// sleep waits for d, returning false if ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
