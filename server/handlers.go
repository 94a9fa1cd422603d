package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dglo/trigger-testbed-sub000/internal/runner"
)

func (s *Server) handleRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		snap, report := s.latest()
		baseURL := getBaseURL(r)

		var sb strings.Builder

		sb.WriteString("\ntestbed server\n\n")
		if s.config.RunName != "" {
			sb.WriteString(fmt.Sprintf("  Run:      %s\n", s.config.RunName))
		}
		sb.WriteString(fmt.Sprintf("  Version:  %s\n", s.config.Version))
		sb.WriteString(fmt.Sprintf("  Uptime:   %s\n\n", time.Since(s.startTime).Round(time.Second)))

		if snap != nil {
			sb.WriteString("Flow\n")
			sb.WriteString("━━━━\n")
			sb.WriteString(fmt.Sprintf("  Poll:      %d\n", snap.Iteration))
			sb.WriteString(fmt.Sprintf("  Written:   %s\n", runner.FormatNumber(snap.Written())))
			sb.WriteString(fmt.Sprintf("  Skew:      %d\n", snap.Skew))
			sb.WriteString(fmt.Sprintf("  Paused:    %d / %d sources\n", snap.NumPaused(), len(snap.Sources)))
			for _, src := range snap.Sources {
				state := "running"
				switch {
				case src.Stopped:
					state = "stopped"
				case src.Paused:
					state = "paused"
				}
				sb.WriteString(fmt.Sprintf("    %-16s %12s  %s\n", src.Name, runner.FormatNumber(src.Written), state))
			}
			if c := snap.Consumer; c != nil {
				sb.WriteString(fmt.Sprintf("  Received:  %s\n", runner.FormatNumber(c.Received)))
				sb.WriteString(fmt.Sprintf("  Queues:    in %d, out %d\n", c.InputDepth, c.OutputDepth))
				sb.WriteString(fmt.Sprintf("  Failures:  %d\n", c.Failures))
			}
			sb.WriteString("\n")
		} else {
			sb.WriteString("Waiting for the first poll...\n\n")
		}

		if report != nil {
			sb.WriteString("Result\n")
			sb.WriteString("━━━━━━\n")
			sb.WriteString(fmt.Sprintf("  %s\n", report.Summary()))
			if report.OK() {
				sb.WriteString("  ✓ OK\n\n")
			} else {
				sb.WriteString("  ✗ Problems found\n\n")
			}
		}

		sb.WriteString("API Endpoints\n")
		sb.WriteString("━━━━━━━━━━━━━\n")
		sb.WriteString(fmt.Sprintf("  GET %s/status     latest snapshot and report (JSON)\n", baseURL))
		sb.WriteString(fmt.Sprintf("  GET %s/report     final report (JSON)\n", baseURL))
		if s.config.Metrics != nil {
			sb.WriteString(fmt.Sprintf("  GET %s/metrics    Prometheus metrics\n", baseURL))
		}
		if s.config.EnableWebSocket {
			sb.WriteString(fmt.Sprintf("  WS  %s/ws         live snapshots\n", getWSURL(r)))
		}

		w.Write([]byte(sb.String()))
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, report := s.latest()

		response := StatusResponse{
			Server: ServerStatus{
				Version:          s.config.Version,
				RunName:          s.config.RunName,
				WebSocketEnabled: s.config.EnableWebSocket,
				MetricsEnabled:   s.config.Metrics != nil,
				Clients:          s.hub.count(),
				UptimeSeconds:    int(time.Since(s.startTime).Seconds()),
			},
			Snapshot: snap,
			Report:   report,
			Finished: report != nil,
		}

		sendJSON(w, 200, response)
	}
}

func (s *Server) handleReport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, report := s.latest()
		if report == nil {
			sendJSON(w, 404, map[string]string{"error": "run still in progress"})
			return
		}
		sendJSON(w, 200, report)
	}
}
