package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/internal/paths"
	"github.com/mesh-intelligence/ledger/internal/store"
)

type initOutput struct {
	ConfigDir     string `json:"config_dir"`
	ConfigFile    string `json:"config_file"`
	ConfigWritten bool   `json:"config_written"`
	DataDir       string `json:"data_dir"`
	Backend       string `json:"backend"`
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ledger configuration and storage",
		Long:  "Create the configuration directory with a default config.yaml and the data directory, then open the backend once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(a.configDir, 0o755); err != nil {
				return sysError(fmt.Errorf("create config directory: %w", err))
			}
			written, err := writeConfigIfMissing(a.configDir, a.cfg)
			if err != nil {
				return sysError(fmt.Errorf("write config: %w", err))
			}

			s, err := store.Open(cmd.Context(), a.cfg, store.WithLogger(a.log))
			if err != nil {
				return sysError(fmt.Errorf("initialize storage: %w", err))
			}
			if err := s.Close(); err != nil {
				return sysError(fmt.Errorf("finalize storage: %w", err))
			}

			out := initOutput{
				ConfigDir:     a.configDir,
				ConfigFile:    paths.ConfigFile(a.configDir),
				ConfigWritten: written,
				DataDir:       a.dataDir,
				Backend:       a.cfg.Backend,
			}
			if a.jsonMode {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Ledger initialized successfully")
			fmt.Fprintln(w, "  config:", out.ConfigFile)
			fmt.Fprintln(w, "  data:  ", out.DataDir)
			return nil
		},
	}
}
