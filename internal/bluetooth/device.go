// Package bluetooth owns the radio's single Bluetooth audio sink. It drives
// bluetoothctl through pairing and connection, recovers from the many
// partial-failure states a flaky A2DP speaker can end up in, and keeps the
// current device persisted across restarts.
package bluetooth

// UnknownName labels devices whose alias could not be read.
const UnknownName = "Unknown"

// User-facing failure messages.
const (
	MsgPairingFailed      = "pairing failed — is the device in pairing mode?"
	MsgProfileUnavailable = "audio profile unavailable — restart the audio service"
	MsgConnectFailed      = "connection failed"
	MsgLinkErrorPrefix    = "bluetooth error: "
)

// Device is a known, paired or discovered Bluetooth device.
type Device struct {
	Address   string `json:"mac"`
	Name      string `json:"name"`
	Paired    bool   `json:"paired"`
	Trusted   bool   `json:"trusted,omitempty"`
	Connected bool   `json:"connected"`
}

// Result is the outcome of a connect workflow. Connect never returns an
// error; failures are described by Message.
type Result struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Name       string `json:"name,omitempty"`
	AudioReady bool   `json:"audio_ready"`
}

// Status is a point-in-time view of the connection slot.
type Status struct {
	Scanning  bool   `json:"scanning"`
	Connected bool   `json:"connected"`
	Address   string `json:"connected_mac,omitempty"`
	Name      string `json:"connected_name,omitempty"`
}
