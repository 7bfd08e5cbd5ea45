package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/galois26/xwiki-consumer/internal/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the consumer tables if they are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := store.Open(cmd.Context(), a.cfg.Database)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("schema ready", "driver", sess.Dialect().Name)
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
