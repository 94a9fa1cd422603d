package server

import (
	"github.com/dglo/trigger-testbed-sub000/internal/monitor"
	"github.com/dglo/trigger-testbed-sub000/internal/runner"
)

// StatusResponse is the /status endpoint response
type StatusResponse struct {
	Server   ServerStatus      `json:"server"`
	Snapshot *monitor.Snapshot `json:"snapshot,omitempty"`
	Report   *runner.Report    `json:"report,omitempty"`
	Finished bool              `json:"finished"`
}

// ServerStatus contains server information
type ServerStatus struct {
	Version          string `json:"version"`
	RunName          string `json:"run_name,omitempty"`
	WebSocketEnabled bool   `json:"websocket_enabled"`
	MetricsEnabled   bool   `json:"metrics_enabled"`
	Clients          int    `json:"clients"`
	UptimeSeconds    int    `json:"uptime_seconds"`
}

// Message is one WebSocket frame: Type is "snapshot" or "report"
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}
