package cmd

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/obsidian-mcp/internal/vault"
)

// errUnhealthy makes the health command exit non-zero after it has printed
// its report.
var errUnhealthy = errors.New("vault is not usable")

// healthReport is printed by the health command. Container HEALTHCHECKs
// parse it, so the field names are fixed.
type healthReport struct {
	OK        bool                `json:"ok"`
	VaultPath string              `json:"vaultPath"`
	Checks    vault.Accessibility `json:"checks"`
	Timestamp string              `json:"timestamp"`
}

func newHealthCmd() *cobra.Command {
	var vaultPath string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the vault can be served",
		Long: `Print a JSON report on the vault root and exit non-zero unless the vault
exists, is a directory and is readable. Suitable for a container HEALTHCHECK.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvFallbacks(cmd, []envBinding{{flag: "vault-path", env: "VAULT_PATH"}}, os.Getenv); err != nil {
				return err
			}

			v, err := vault.New(vaultPath)
			if err != nil {
				return err
			}
			checks := v.Accessibility()
			report := healthReport{
				OK:        checks.Usable(),
				VaultPath: v.Root(),
				Checks:    checks,
				Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			}
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
				return err
			}
			if !report.OK {
				cmd.SilenceErrors = true
				return errUnhealthy
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&vaultPath, "vault-path", vault.DefaultPath, "Vault root directory. Can also use VAULT_PATH env var.")
	return cmd
}
