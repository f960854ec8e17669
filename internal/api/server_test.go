package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chaz8081/dabradio/internal/bluetooth"
)

// fakeOrchestrator records calls and returns canned results.
type fakeOrchestrator struct {
	mu sync.Mutex

	result   bluetooth.Result
	devices  []bluetooth.Device
	status   bluetooth.Status
	scanning bool

	connected    []string
	disconnected []string
	removed      []string
	scans        []time.Duration
}

func (f *fakeOrchestrator) Connect(address string) bluetooth.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, address)
	return f.result
}

func (f *fakeOrchestrator) Disconnect(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, address)
	return true
}

func (f *fakeOrchestrator) Remove(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, address)
	return true
}

func (f *fakeOrchestrator) Devices() []bluetooth.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeOrchestrator) StartScan(d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanning {
		return false
	}
	f.scanning = true
	f.scans = append(f.scans, d)
	return true
}

func (f *fakeOrchestrator) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *fakeOrchestrator) Status() bluetooth.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.Scanning = f.scanning
	return st
}

func (f *fakeOrchestrator) setStatus(st bluetooth.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ScanDuration = 7 * time.Second
	opts.StatusPoll = 10 * time.Millisecond
	return opts
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return out
}

func TestConnectRoute(t *testing.T) {
	bt := &fakeOrchestrator{result: bluetooth.Result{Success: true, Message: "connected to Speaker", Name: "Speaker"}}
	h := New(bt, testOptions()).Handler()

	rec := do(t, h, http.MethodPost, "/api/bt/connect", `{"mac":"aa:bb:cc:dd:ee:01"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	out := decode(t, rec)
	if out["connected"] != true || out["mac"] != "AA:BB:CC:DD:EE:01" || out["name"] != "Speaker" || out["message"] != "connected to Speaker" {
		t.Errorf("response = %v", out)
	}
	if len(bt.connected) != 1 || bt.connected[0] != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Connect calls = %q", bt.connected)
	}
}

func TestConnectRouteFailure(t *testing.T) {
	bt := &fakeOrchestrator{result: bluetooth.Result{Message: bluetooth.MsgPairingFailed}}
	h := New(bt, testOptions()).Handler()

	rec := do(t, h, http.MethodPost, "/api/bt/connect", `{"mac":"AA:BB:CC:DD:EE:01"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	out := decode(t, rec)
	if out["connected"] != false || out["message"] != bluetooth.MsgPairingFailed {
		t.Errorf("response = %v", out)
	}
}

func TestConnectRouteRequiresMAC(t *testing.T) {
	for _, body := range []string{``, `{}`, `{"mac":"  "}`, `not json`} {
		bt := &fakeOrchestrator{}
		h := New(bt, testOptions()).Handler()
		rec := do(t, h, http.MethodPost, "/api/bt/connect", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
		if len(bt.connected) != 0 {
			t.Errorf("body %q reached the orchestrator", body)
		}
	}
}

func TestDisconnectAndRemoveRoutes(t *testing.T) {
	bt := &fakeOrchestrator{}
	h := New(bt, testOptions()).Handler()

	rec := do(t, h, http.MethodPost, "/api/bt/disconnect", ``)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "disconnected" {
		t.Errorf("disconnect: %d %s", rec.Code, rec.Body.String())
	}
	if len(bt.disconnected) != 1 || bt.disconnected[0] != "" {
		t.Errorf("Disconnect calls = %q, want the current device", bt.disconnected)
	}

	rec = do(t, h, http.MethodPost, "/api/bt/remove", `{"mac":"AA:BB:CC:DD:EE:01"}`)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "removed" {
		t.Errorf("remove: %d %s", rec.Code, rec.Body.String())
	}
	do(t, h, http.MethodPost, "/api/bt/remove", `{}`)
	if len(bt.removed) != 1 {
		t.Errorf("Remove calls = %q, want only the one with a mac", bt.removed)
	}
}

func TestDevicesRoute(t *testing.T) {
	bt := &fakeOrchestrator{devices: []bluetooth.Device{
		{Address: "AA:BB:CC:DD:EE:01", Name: "Speaker", Paired: true, Connected: true},
	}}
	h := New(bt, testOptions()).Handler()

	rec := do(t, h, http.MethodGet, "/api/bt/devices", "")
	var out struct {
		Devices []map[string]any `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Devices) != 1 {
		t.Fatalf("devices = %v", out.Devices)
	}
	d := out.Devices[0]
	if d["mac"] != "AA:BB:CC:DD:EE:01" || d["name"] != "Speaker" || d["paired"] != true || d["connected"] != true {
		t.Errorf("device = %v", d)
	}
}

func TestScanRoutes(t *testing.T) {
	bt := &fakeOrchestrator{}
	h := New(bt, testOptions()).Handler()

	if out := decode(t, do(t, h, http.MethodPost, "/api/bt/scan", "")); out["status"] != "scanning" {
		t.Errorf("first scan = %v", out)
	}
	if out := decode(t, do(t, h, http.MethodPost, "/api/bt/scan", "")); out["status"] != "already scanning" {
		t.Errorf("second scan = %v", out)
	}
	if len(bt.scans) != 1 || bt.scans[0] != 7*time.Second {
		t.Errorf("scans = %v, want [7s]", bt.scans)
	}
	if out := decode(t, do(t, h, http.MethodGet, "/api/bt/scan/status", "")); out["scanning"] != true {
		t.Errorf("scan status = %v", out)
	}
}

func TestStatusRoute(t *testing.T) {
	bt := &fakeOrchestrator{status: bluetooth.Status{Connected: true, Address: "AA:BB:CC:DD:EE:01", Name: "Speaker"}}
	h := New(bt, testOptions()).Handler()

	out := decode(t, do(t, h, http.MethodGet, "/api/bt/status", ""))
	if out["connected"] != true || out["connected_mac"] != "AA:BB:CC:DD:EE:01" || out["connected_name"] != "Speaker" || out["scanning"] != false {
		t.Errorf("status = %v", out)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(&fakeOrchestrator{}, testOptions()).Handler()
	if rec := do(t, h, http.MethodGet, "/api/bt/connect", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/bt/connect = %d, want 405", rec.Code)
	}
}

func TestStatusStream(t *testing.T) {
	bt := &fakeOrchestrator{}
	srv := httptest.NewServer(New(bt, testOptions()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/bt/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var st bluetooth.Status
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if st.Connected {
		t.Errorf("initial status = %+v", st)
	}

	want := bluetooth.Status{Connected: true, Address: "AA:BB:CC:DD:EE:01", Name: "Speaker"}
	bt.setStatus(want)
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if st != want {
		t.Errorf("pushed status = %+v, want %+v", st, want)
	}
}

func TestMCPMounted(t *testing.T) {
	opts := testOptions()
	opts.MCP = false
	h := New(&fakeOrchestrator{}, opts).Handler()
	if rec := do(t, h, http.MethodPost, "/mcp", "{}"); rec.Code != http.StatusNotFound {
		t.Errorf("/mcp with MCP disabled = %d, want 404", rec.Code)
	}
}

func resultText(t *testing.T, res *sdk.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("content is %T, want *TextContent", res.Content[0])
	}
	return tc.Text
}

func TestMCPTools(t *testing.T) {
	bt := &fakeOrchestrator{
		result:  bluetooth.Result{Message: bluetooth.MsgProfileUnavailable},
		status:  bluetooth.Status{Connected: true, Address: "AA:BB:CC:DD:EE:01", Name: "Speaker"},
		devices: []bluetooth.Device{{Address: "AA:BB:CC:DD:EE:01", Name: "Speaker"}},
	}
	s := New(bt, testOptions())
	ctx := context.Background()

	res, _, err := s.toolStatus(ctx, nil, noArgs{})
	if err != nil {
		t.Fatalf("bt_status error = %v", err)
	}
	if text := resultText(t, res); !strings.Contains(text, `"connected_name": "Speaker"`) {
		t.Errorf("bt_status = %s", text)
	}

	res, _, err = s.toolDevices(ctx, nil, noArgs{})
	if err != nil {
		t.Fatalf("bt_devices error = %v", err)
	}
	if text := resultText(t, res); !strings.Contains(text, `"mac": "AA:BB:CC:DD:EE:01"`) {
		t.Errorf("bt_devices = %s", text)
	}

	res, _, err = s.toolConnect(ctx, nil, macArgs{MAC: "AA:BB:CC:DD:EE:01"})
	if err != nil {
		t.Fatalf("bt_connect error = %v", err)
	}
	if !res.IsError {
		t.Error("failed connect not flagged as a tool error")
	}
	if text := resultText(t, res); !strings.Contains(text, bluetooth.MsgProfileUnavailable) {
		t.Errorf("bt_connect = %s", text)
	}

	if _, _, err := s.toolConnect(ctx, nil, macArgs{}); err == nil {
		t.Error("bt_connect without mac should fail")
	}

	res, _, _ = s.toolDisconnect(ctx, nil, optionalMACArgs{})
	if text := resultText(t, res); text != "disconnected" {
		t.Errorf("bt_disconnect = %q", text)
	}

	res, _, _ = s.toolRemove(ctx, nil, macArgs{MAC: "aa:bb:cc:dd:ee:01"})
	if text := resultText(t, res); text != "removed AA:BB:CC:DD:EE:01" {
		t.Errorf("bt_remove = %q", text)
	}

	res, _, _ = s.toolScan(ctx, nil, noArgs{})
	if text := resultText(t, res); !strings.HasPrefix(text, "scanning") {
		t.Errorf("bt_scan = %q", text)
	}
	res, _, _ = s.toolScan(ctx, nil, noArgs{})
	if text := resultText(t, res); text != "already scanning" {
		t.Errorf("second bt_scan = %q", text)
	}
}

func TestNewMCPServerRegistersTools(t *testing.T) {
	if srv := newMCPServer(New(&fakeOrchestrator{}, testOptions())); srv == nil {
		t.Fatal("newMCPServer() = nil")
	}
}
