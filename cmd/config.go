package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// envBinding maps a flag to the environment variable read when the flag was
// not set on the command line.
type envBinding struct {
	flag string
	env  string
}

// serveEnv lists the environment fallbacks of the serve command. The
// variable names match the ones the container images document.
var serveEnv = []envBinding{
	{flag: "host", env: "HOST"},
	{flag: "port", env: "PORT"},
	{flag: "mcp-path", env: "MCP_PATH"},
	{flag: "db-path", env: "DB_PATH"},
	{flag: "vault-path", env: "VAULT_PATH"},
	{flag: "transport", env: "MCP_TRANSPORT"},
	{flag: "dns-protection", env: "MCP_ENABLE_DNS_PROTECT"},
	{flag: "allowed-hosts", env: "MCP_ALLOWED_HOSTS"},
	{flag: "allowed-origins", env: "MCP_ALLOWED_ORIGINS"},
	{flag: "session-retention", env: "SESSION_RETENTION"},
	{flag: "sweep-interval", env: "SWEEP_INTERVAL"},
	{flag: "session-create-rate", env: "SESSION_CREATE_RATE"},
	{flag: "session-create-burst", env: "SESSION_CREATE_BURST"},
	{flag: "metrics-enabled", env: "METRICS_ENABLED"},
	{flag: "metrics-addr", env: "METRICS_ADDR"},
}

// applyEnvFallbacks fills every flag in bindings that was not set explicitly
// from getenv. The flag wins when both are present.
func applyEnvFallbacks(cmd *cobra.Command, bindings []envBinding, getenv func(string) string) error {
	for _, b := range bindings {
		if cmd.Flags().Lookup(b.flag) == nil || cmd.Flags().Changed(b.flag) {
			continue
		}
		value := strings.TrimSpace(getenv(b.env))
		if value == "" {
			continue
		}
		if err := cmd.Flags().Set(b.flag, value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", b.env, value, err)
		}
	}
	return nil
}

// parseCommaSeparatedList parses a comma-separated string into a slice,
// trimming whitespace from each element and filtering out empty strings.
// Returns nil if the input is empty or contains only whitespace/commas.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
