package cmd

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{migrate: true})
		if err != nil {
			return err
		}
		defer a.Close()

		target := a.cfg.Database.Path
		if a.db.Driver() != "sqlite" {
			target = a.db.Driver()
		}
		return report(map[string]string{"driver": a.db.Driver(), "status": "migrated"}, "Schema up to date",
			field{"Driver", a.db.Driver()},
			field{"Database", target},
		)
	},
}
