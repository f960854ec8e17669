package bluetooth

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// DefaultRfkillPath is the rfkill binary used when none is configured.
const DefaultRfkillPath = "rfkill"

// DefaultAdapterPath is the BlueZ object of the first controller.
const DefaultAdapterPath = dbus.ObjectPath("/org/bluez/hci0")

const (
	bluezService      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	dbusPropsIface    = "org.freedesktop.DBus.Properties"
)

// Adapter is the host controller as BlueZ exposes it. Enable attaches to
// the controller and fails when it does not exist.
type Adapter interface {
	Enable() error
	Address() (bluetooth.MACAddress, error)
}

// PowerSwitch turns a controller on or off.
type PowerSwitch interface {
	SetPowered(on bool) error
}

// BluezPower sets org.bluez.Adapter1.Powered on one controller over the
// system bus.
type BluezPower struct {
	Path dbus.ObjectPath
}

// SetPowered writes the controller's Powered property.
func (p BluezPower) SetPowered(on bool) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluetooth: connect to system bus: %w", err)
	}
	obj := conn.Object(bluezService, p.Path)
	if err := obj.Call(dbusPropsIface+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(on)).Err; err != nil {
		return fmt.Errorf("bluetooth: set %s Powered=%v: %w", p.Path, on, err)
	}
	return nil
}

// SystemRadio lifts the rfkill soft block and powers the BlueZ controller.
// On a fresh boot the radio is often soft-blocked, and bluetoothctl's
// `power on` silently fails until the block is gone.
type SystemRadio struct {
	RfkillPath string
	Timeout    time.Duration

	adapter Adapter
	power   PowerSwitch

	mu      sync.Mutex
	address string // controller address once attached
}

// NewSystemRadio creates a SystemRadio for the default BlueZ controller.
func NewSystemRadio(rfkillPath string) *SystemRadio {
	if rfkillPath == "" {
		rfkillPath = DefaultRfkillPath
	}
	return &SystemRadio{
		RfkillPath: rfkillPath,
		Timeout:    5 * time.Second,
		adapter:    bluetooth.DefaultAdapter,
		power:      BluezPower{Path: DefaultAdapterPath},
	}
}

// Unblock runs `rfkill unblock bluetooth`, attaches to the controller until
// that succeeds once, then sets it powered. Failures are logged and
// otherwise ignored.
func (r *SystemRadio) Unblock() {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, r.RfkillPath, "unblock", "bluetooth").CombinedOutput(); err != nil {
		slog.Debug("[BT] rfkill unblock failed", "error", err, "output", string(out))
	}

	r.attach()

	if r.power == nil {
		return
	}
	if err := r.power.SetPowered(true); err != nil {
		slog.Warn("[BT] power on controller failed", "error", err)
	}
}

// attach finds the controller. bluetoothd may start after us, so a failed
// attach is retried on the next call.
func (r *SystemRadio) attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapter == nil || r.address != "" {
		return
	}
	if err := r.adapter.Enable(); err != nil {
		slog.Warn("[BT] controller not available", "error", err)
		return
	}
	mac, err := r.adapter.Address()
	if err != nil {
		slog.Warn("[BT] controller address unknown", "error", err)
		return
	}
	r.address = mac.String()
	slog.Info("[BT] controller attached", "address", r.address)
}

// ControllerAddress returns the attached controller's address, or "" before
// the first successful Unblock.
func (r *SystemRadio) ControllerAddress() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

var (
	_ Radio       = (*SystemRadio)(nil)
	_ Adapter     = (*bluetooth.Adapter)(nil)
	_ PowerSwitch = BluezPower{}
)
