package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chaz8081/dabradio/internal/bluetooth"
)

type noArgs struct{}

type macArgs struct {
	MAC string `json:"mac" jsonschema:"Bluetooth address of the device, e.g. AA:BB:CC:DD:EE:FF"`
}

type optionalMACArgs struct {
	MAC string `json:"mac,omitempty" jsonschema:"Bluetooth address; defaults to the connected device"`
}

// newMCPServer registers the Bluetooth tools on an MCP server.
func newMCPServer(s *Server) *sdk.Server {
	srv := sdk.NewServer(&sdk.Implementation{
		Name:    "dabradio",
		Version: s.opts.Version,
	}, nil)

	sdk.AddTool(srv, &sdk.Tool{
		Name:        "bt_status",
		Description: "Report whether a Bluetooth speaker is connected and whether a scan is running",
	}, s.toolStatus)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "bt_devices",
		Description: "List known, paired and discovered Bluetooth devices",
	}, s.toolDevices)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "bt_connect",
		Description: "Pair if needed and connect a Bluetooth speaker as the radio's audio output",
	}, s.toolConnect)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "bt_disconnect",
		Description: "Disconnect a Bluetooth speaker",
	}, s.toolDisconnect)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "bt_remove",
		Description: "Unpair and forget a Bluetooth device",
	}, s.toolRemove)
	sdk.AddTool(srv, &sdk.Tool{
		Name:        "bt_scan",
		Description: "Start a background scan for nearby Bluetooth devices",
	}, s.toolScan)

	return srv
}

// newMCPHandler serves the tools over streamable HTTP.
func newMCPHandler(s *Server) http.Handler {
	srv := newMCPServer(s)
	return sdk.NewStreamableHTTPHandler(func(*http.Request) *sdk.Server { return srv }, nil)
}

func (s *Server) toolStatus(ctx context.Context, req *sdk.CallToolRequest, args noArgs) (*sdk.CallToolResult, any, error) {
	return jsonResult(s.bt.Status())
}

func (s *Server) toolDevices(ctx context.Context, req *sdk.CallToolRequest, args noArgs) (*sdk.CallToolResult, any, error) {
	return jsonResult(s.bt.Devices())
}

func (s *Server) toolConnect(ctx context.Context, req *sdk.CallToolRequest, args macArgs) (*sdk.CallToolResult, any, error) {
	if args.MAC == "" {
		return nil, nil, fmt.Errorf("mac required")
	}
	res := s.bt.Connect(args.MAC)
	out, _, err := jsonResult(res)
	if err != nil {
		return nil, nil, err
	}
	out.IsError = !res.Success
	return out, nil, nil
}

func (s *Server) toolDisconnect(ctx context.Context, req *sdk.CallToolRequest, args optionalMACArgs) (*sdk.CallToolResult, any, error) {
	if !s.bt.Disconnect(args.MAC) {
		return textResult("no device to disconnect"), nil, nil
	}
	return textResult("disconnected"), nil, nil
}

func (s *Server) toolRemove(ctx context.Context, req *sdk.CallToolRequest, args macArgs) (*sdk.CallToolResult, any, error) {
	if args.MAC == "" {
		return nil, nil, fmt.Errorf("mac required")
	}
	s.bt.Remove(args.MAC)
	return textResult("removed " + bluetooth.NormalizeAddress(args.MAC)), nil, nil
}

func (s *Server) toolScan(ctx context.Context, req *sdk.CallToolRequest, args noArgs) (*sdk.CallToolResult, any, error) {
	if !s.bt.StartScan(s.opts.ScanDuration) {
		return textResult("already scanning"), nil, nil
	}
	return textResult(fmt.Sprintf("scanning for %s; call bt_devices afterwards", s.opts.ScanDuration)), nil, nil
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: text}},
	}
}

func jsonResult(v any) (*sdk.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encoding result: %w", err)
	}
	return textResult(string(data)), nil, nil
}
