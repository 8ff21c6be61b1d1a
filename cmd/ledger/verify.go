package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/internal/scenarios"
	"github.com/mesh-intelligence/ledger/internal/store"
	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

var errVerifyFailed = errors.New("conformance scenarios failed")

type verifyOutput struct {
	Passed  bool               `json:"passed"`
	Results []scenarios.Result `json:"results"`
	Metrics string             `json:"metrics,omitempty"`
}

func newVerifyCmd(a *app) *cobra.Command {
	var withMetrics bool

	cmd := &cobra.Command{
		Use:   "verify [scenario...]",
		Short: "Run the conformance scenarios",
		Long:  "Run the conformance scenarios against a fresh database and report PASS or FAIL for each.\nScenarios: " + strings.Join(scenarioNames(), ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := scenarios.Select(args...)
			if err != nil {
				return userError(err)
			}

			ctx := cmd.Context()
			s, reset, done, err := a.scratchStore(ctx)
			if err != nil {
				return sysError(err)
			}
			defer done()

			prom := prometheus.NewRegistry()
			opts := scenarios.RunOptions{
				Reset:   reset,
				Manager: []ledger.Option{ledger.WithLogger(a.log)},
				Log:     a.log,
			}
			withMetrics = withMetrics || a.cfg.Metrics
			if withMetrics {
				opts.Manager = append(opts.Manager, ledger.WithMetrics(prom))
			}
			results := scenarios.Run(ctx, s, list, opts)

			out := verifyOutput{Passed: scenarios.Passed(results), Results: results}
			if withMetrics {
				text, err := metricsText(prom)
				if err != nil {
					return sysError(err)
				}
				out.Metrics = text
			}
			if err := a.printVerify(cmd, out); err != nil {
				return sysError(err)
			}
			if !out.Passed {
				return userError(errVerifyFailed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withMetrics, "metrics", false, "print Prometheus metrics after the run")
	return cmd
}

func (a *app) printVerify(cmd *cobra.Command, out verifyOutput) error {
	if a.jsonMode {
		return writeJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	for _, r := range out.Results {
		if r.Passed {
			fmt.Fprintf(w, "PASS  %-16s %s\n", r.Name, r.Duration.Round(time.Microsecond))
			continue
		}
		fmt.Fprintf(w, "FAIL  %-16s %s\n", r.Name, r.Error)
	}
	if out.Metrics != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, out.Metrics)
	}
	return nil
}

// scratchStore opens a store for a conformance run. SQLite runs get a new
// database in a temporary directory under the data directory; other
// backends run on the configured database with scenario tables reset.
func (a *app) scratchStore(ctx context.Context) (*store.Store, bool, func(), error) {
	cfg := a.cfg
	reset := true
	cleanup := func() {}

	if cfg.Backend == types.BackendSQLite {
		if err := os.MkdirAll(a.dataDir, 0o755); err != nil {
			return nil, false, nil, fmt.Errorf("create data dir: %w", err)
		}
		dir, err := os.MkdirTemp(a.dataDir, "verify-")
		if err != nil {
			return nil, false, nil, err
		}
		cfg.DataDir = dir
		cfg.DSN = ""
		reset = false
		cleanup = func() { os.RemoveAll(dir) }
	}

	s, err := store.Open(ctx, cfg, store.WithLogger(a.log))
	if err != nil {
		cleanup()
		return nil, false, nil, err
	}
	return s, reset, func() {
		s.Close()
		cleanup()
	}, nil
}

func metricsText(g prometheus.Gatherer) (string, error) {
	families, err := g.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

func scenarioNames() []string {
	all := scenarios.All()
	names := make([]string, len(all))
	for i, sc := range all {
		names[i] = sc.Name
	}
	return names
}
