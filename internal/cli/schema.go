package cli

import (
	"errors"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrNeedsRecovery is returned by "schema check" when the store is incomplete
var ErrNeedsRecovery = errors.New("local store needs recovery; run \"possync schema fix\"")

// NewSchemaCommand creates the schema command group
func NewSchemaCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect or migrate the local store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Report missing tables and sync columns without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				report, err := newDetector(a).Detect(cmd.Context())
				if err != nil {
					return err
				}
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				if err := p.result(report, func(w io.Writer) { printDetection(w, report) }); err != nil {
					return err
				}
				if report.NeedsRecovery {
					return ErrNeedsRecovery
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fix",
		Short: "Apply migrations, add missing sync columns and backfill global ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				report, err := a.migrator.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				a.log.Info("Schema migration finished",
					zap.Bool("changed", report.Changed()),
					zap.Int64("backfilled", report.BackfilledTotal()),
				)
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.result(report, func(w io.Writer) {
					if !report.Changed() {
						line(w, "schema up to date")
						return
					}
					line(w, "baseline applied:   %t", report.BaselineApplied)
					line(w, "change log created: %t", report.CreatedChangeLog)
					for _, table := range sortedKeys(report.AddedColumns) {
						line(w, "added columns:      %s (%s)", table, joinOrDash(report.AddedColumns[table]))
					}
					for _, table := range sortedKeys(report.BackfilledIDs) {
						line(w, "backfilled ids:     %s %d", table, report.BackfilledIDs[table])
					}
					for _, table := range sortedKeys(report.ReassignedIDs) {
						line(w, "reassigned ids:     %s %d", table, report.ReassignedIDs[table])
					}
					line(w, "created indexes:    %s", joinOrDash(report.CreatedIndexes))
				})
			})
		},
	})
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
