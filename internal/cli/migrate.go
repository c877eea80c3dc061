package cli

import (
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/erp/possync/internal/infrastructure/schema"
)

// NewMigrateCommand creates the migrate command group
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage versioned SQL migrations",
	}

	var dir string
	cmd.PersistentFlags().StringVar(&dir, "dir", "internal/infrastructure/schema/migrations", "migrations directory")

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty up/down migration pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := schema.CreateMigration(dir, args[0], time.Now())
			if err != nil {
				return err
			}
			p := printer{format: opts.Format, w: cmd.OutOrStdout()}
			return p.result(mf, func(w io.Writer) {
				line(w, "created %s", mf.UpPath)
				line(w, "created %s", mf.DownPath)
			})
		},
	}
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List migrations in a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := schema.ListMigrations(dir)
			if err != nil {
				return err
			}
			p := printer{format: opts.Format, w: cmd.OutOrStdout()}
			return p.result(names, func(w io.Writer) {
				for _, n := range names {
					line(w, "%s", n)
				}
			})
		},
	})
	return cmd
}
