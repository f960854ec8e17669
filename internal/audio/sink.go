// Package audio talks to the host audio server on behalf of the Bluetooth
// orchestrator: it checks whether a connected speaker surfaced as a playback
// sink, and restarts the audio service when a profile gets stuck.
package audio

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gen2brain/malgo"
)

// Sink is a playback device as reported by the audio server.
type Sink struct {
	ID   string // server-side sink name, e.g. bluez_sink.AA_BB_CC_DD_EE_01.a2dp_sink
	Name string // human-readable description
}

// SinkProbe enumerates playback devices through the PulseAudio backend
// (PipeWire's pulse server answers the same protocol).
type SinkProbe struct {
	backends []malgo.Backend
}

// NewSinkProbe creates a probe for the PulseAudio backend.
func NewSinkProbe() *SinkProbe {
	return &SinkProbe{backends: []malgo.Backend{malgo.BackendPulseaudio}}
}

// Sinks lists the playback devices currently exposed by the audio server.
func (p *SinkProbe) Sinks() ([]Sink, error) {
	ctx, err := malgo.InitContext(p.backends, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: initializing audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerating playback devices: %w", err)
	}

	sinks := make([]Sink, 0, len(infos))
	for _, info := range infos {
		sinks = append(sinks, Sink{
			ID:   cString(info.ID[:]),
			Name: info.Name(),
		})
	}
	return sinks, nil
}

// HasSink reports whether the audio server exposes a sink for the Bluetooth
// device at address. Enumeration errors count as "no sink".
func (p *SinkProbe) HasSink(address string) bool {
	sinks, err := p.Sinks()
	if err != nil {
		slog.Warn("[AUDIO] sink probe failed", "error", err)
		return false
	}
	ok := matchSink(sinks, address)
	slog.Debug("[AUDIO] sink probe", "address", address, "sinks", len(sinks), "found", ok)
	return ok
}

// sinkToken renders an address the way BlueZ sinks embed it.
func sinkToken(address string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_")
}

func matchSink(sinks []Sink, address string) bool {
	token := sinkToken(address)
	if token == "" {
		return false
	}
	for _, s := range sinks {
		if strings.Contains(strings.ToUpper(s.ID), token) || strings.Contains(strings.ToUpper(s.Name), token) {
			return true
		}
	}
	return false
}

// cString trims a NUL-padded identifier.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
