package audio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest    = "org.freedesktop.systemd1"
	systemdPath    = dbus.ObjectPath("/org/freedesktop/systemd1")
	systemdManager = "org.freedesktop.systemd1.Manager"
)

// DefaultServiceUnit is the audio server unit restarted by default.
const DefaultServiceUnit = "pulseaudio.service"

// ServiceRestarter restarts the audio server's systemd unit over D-Bus.
type ServiceRestarter struct {
	Unit    string
	UserBus bool // user session manager (systemctl --user) instead of the system one
}

// NewServiceRestarter creates a restarter for unit.
func NewServiceRestarter(unit string, userBus bool) *ServiceRestarter {
	if unit == "" {
		unit = DefaultServiceUnit
	}
	return &ServiceRestarter{Unit: unit, UserBus: userBus}
}

func (r *ServiceRestarter) connect() (*dbus.Conn, error) {
	if r.UserBus {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

// Restart queues a restart job for the unit and waits until systemd reports
// it finished, or ctx ends.
func (r *ServiceRestarter) Restart(ctx context.Context) error {
	conn, err := r.connect()
	if err != nil {
		return fmt.Errorf("audio: connect to bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(systemdManager),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		return fmt.Errorf("audio: subscribe to job signals: %w", err)
	}
	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	defer conn.RemoveSignal(sigCh)

	obj := conn.Object(systemdDest, systemdPath)
	// systemd only emits job signals to subscribed clients.
	if err := obj.CallWithContext(ctx, systemdManager+".Subscribe", 0).Err; err != nil {
		slog.Debug("[AUDIO] systemd subscribe failed", "error", err)
	}

	var job dbus.ObjectPath
	if err := obj.CallWithContext(ctx, systemdManager+".RestartUnit", 0, r.Unit, "replace").Store(&job); err != nil {
		return fmt.Errorf("audio: restart %s: %w", r.Unit, err)
	}
	slog.Info("[AUDIO] restarting audio service", "unit", r.Unit, "job", job)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("audio: waiting for %s restart: %w", r.Unit, ctx.Err())
		case sig, ok := <-sigCh:
			if !ok {
				return fmt.Errorf("audio: bus closed while restarting %s", r.Unit)
			}
			result, done := jobResult(sig, job)
			if !done {
				continue
			}
			if result != "done" {
				return fmt.Errorf("audio: restart %s: job %s", r.Unit, result)
			}
			slog.Info("[AUDIO] audio service restarted", "unit", r.Unit)
			return nil
		}
	}
}

// jobResult extracts the result of job from a JobRemoved signal
// (id uint32, job object path, unit string, result string).
func jobResult(sig *dbus.Signal, job dbus.ObjectPath) (result string, ok bool) {
	if sig == nil || sig.Name != systemdManager+".JobRemoved" || len(sig.Body) < 4 {
		return "", false
	}
	path, _ := sig.Body[1].(dbus.ObjectPath)
	if path != job {
		return "", false
	}
	result, _ = sig.Body[3].(string)
	return result, true
}
