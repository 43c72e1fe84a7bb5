package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/config"
)

// ServerStatus holds the reported state of a running keyfold server.
type ServerStatus struct {
	Endpoint string `json:"endpoint"`
	Running  bool   `json:"running"`
	Health   string `json:"health,omitempty"`
	Error    string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	metricsAddr string
	jsonOutput  bool
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running keyfold server",
		Long: `Query the health endpoints of a running keyfold server and report
whether it is up and ready to serve requests.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	// Register flags
	cmd.Flags().StringVar(&cfg.metricsAddr, "metrics-addr", config.Default().Server.MetricsAddr, "metrics/health HTTP address of the server")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	status := queryServerStatus(cfg.metricsAddr)

	var output string
	var err error

	if cfg.jsonOutput {
		output, err = formatStatusJSON(status)
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
	} else {
		output = formatStatusTable(status)
	}

	cmd.Println(output)
	return nil
}

// queryServerStatus checks the liveness and readiness endpoints of the
// server's observability listener.
func queryServerStatus(metricsAddr string) ServerStatus {
	status := ServerStatus{
		Endpoint: metricsAddr,
	}

	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + metricsAddr

	liveResp, err := client.Get(base + "/healthz/liveness")
	if err != nil {
		status.Error = fmt.Sprintf("failed to connect: %v", err)
		return status
	}
	_ = liveResp.Body.Close() //nolint:errcheck // only the status code matters

	if liveResp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("liveness returned status %d", liveResp.StatusCode)
		return status
	}
	status.Running = true

	readyResp, err := client.Get(base + "/healthz/readiness")
	if err != nil {
		// Liveness succeeded but readiness failed - still consider running
		status.Health = "unknown"
		return status
	}
	_ = readyResp.Body.Close() //nolint:errcheck // only the status code matters

	switch readyResp.StatusCode {
	case http.StatusOK:
		status.Health = "ready"
	case http.StatusServiceUnavailable:
		status.Health = "not ready"
	default:
		status.Health = fmt.Sprintf("unexpected status %d", readyResp.StatusCode)
	}

	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status ServerStatus) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	// Header
	_, _ = fmt.Fprintln(w, "ENDPOINT\tSTATUS\tHEALTH")
	_, _ = fmt.Fprintln(w, "--------\t------\t------")

	if status.Running {
		_, _ = fmt.Fprintf(w, "%s\trunning\t%s\n", status.Endpoint, status.Health)
	} else {
		reason := "not running"
		if status.Error != "" {
			reason = status.Error
		}
		_, _ = fmt.Fprintf(w, "%s\tstopped\t%s\n", status.Endpoint, reason)
	}

	_ = w.Flush()
	return buf.String()
}

// formatStatusJSON formats the status as JSON.
func formatStatusJSON(status ServerStatus) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}
	return string(data), nil
}
