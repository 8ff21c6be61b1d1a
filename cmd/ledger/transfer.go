package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/internal/scenarios"
	"github.com/mesh-intelligence/ledger/internal/store"
	"github.com/mesh-intelligence/ledger/pkg/mapping"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// tableCount reports how many rows moved for one table.
type tableCount struct {
	Table string `json:"table"`
	Rows  int    `json:"rows"`
	File  string `json:"file"`
}

// scenarioTables returns the entity types of every scenario in dependency
// order.
func scenarioTables() ([]*mapping.EntityType, error) {
	var out []*mapping.EntityType
	for _, sc := range scenarios.All() {
		reg, err := sc.Registry()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.Name, err)
		}
		out = append(out, reg.Types()...)
	}
	return out, nil
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Load the scenario fixtures and export their tables as JSONL",
		Long:  "Run every conformance scenario against a fresh database and write each scenario table to <dir>/<table>.jsonl.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			ctx := cmd.Context()

			tables, err := scenarioTables()
			if err != nil {
				return sysError(err)
			}
			s, reset, done, err := a.scratchStore(ctx)
			if err != nil {
				return sysError(err)
			}
			defer done()

			results := scenarios.Run(ctx, s, scenarios.All(), scenarios.RunOptions{Reset: reset, Log: a.log})
			if !scenarios.Passed(results) {
				for _, r := range results {
					if !r.Passed {
						return userError(fmt.Errorf("%w: %s: %s", errVerifyFailed, r.Name, r.Error))
					}
				}
			}

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return sysError(fmt.Errorf("create export dir: %w", err))
			}
			counts := make([]tableCount, 0, len(tables))
			for _, meta := range tables {
				path := filepath.Join(dir, meta.Table+".jsonl")
				n, err := store.ExportTable(ctx, s, meta.Table, meta.Columns(), []types.Order{{Column: meta.IDColumn}}, path)
				if err != nil {
					return sysError(fmt.Errorf("export %s: %w", meta.Table, err))
				}
				counts = append(counts, tableCount{Table: meta.Table, Rows: n, File: path})
			}
			return a.printCounts(cmd, "exported", counts)
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <dir>",
		Short: "Load exported scenario tables into the configured database",
		Long:  "Apply the scenario schema to the configured database and insert every <dir>/<table>.jsonl file that exists.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			ctx := cmd.Context()

			tables, err := scenarioTables()
			if err != nil {
				return sysError(err)
			}
			s, err := store.Open(ctx, a.cfg, store.WithLogger(a.log))
			if err != nil {
				return sysError(err)
			}
			defer s.Close()

			for _, sc := range scenarios.All() {
				if err := sc.Prepare(ctx, s, false); err != nil {
					return sysError(fmt.Errorf("%s: %w", sc.Name, err))
				}
			}

			counts := make([]tableCount, 0, len(tables))
			for _, meta := range tables {
				path := filepath.Join(dir, meta.Table+".jsonl")
				n, err := store.ImportTable(ctx, s, meta.Table, path)
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if errors.Is(err, types.ErrConstraintViolation) {
					return userError(fmt.Errorf("import %s: %w", meta.Table, err))
				}
				if err != nil {
					return sysError(fmt.Errorf("import %s: %w", meta.Table, err))
				}
				counts = append(counts, tableCount{Table: meta.Table, Rows: n, File: path})
			}
			return a.printCounts(cmd, "imported", counts)
		},
	}
}

func (a *app) printCounts(cmd *cobra.Command, verb string, counts []tableCount) error {
	if a.jsonMode {
		return writeJSON(cmd.OutOrStdout(), counts)
	}
	w := cmd.OutOrStdout()
	for _, c := range counts {
		fmt.Fprintf(w, "%s %d rows  %s\n", verb, c.Rows, c.File)
	}
	return nil
}
