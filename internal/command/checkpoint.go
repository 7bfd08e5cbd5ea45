package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/galois26/xwiki-consumer/internal/store"
)

func newCheckpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Print the stored stream cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := store.Open(cmd.Context(), a.cfg.Database)
			if err != nil {
				return err
			}
			defer sess.Close()

			if cmd.Flags().Changed("set") {
				cursor, _ := cmd.Flags().GetString("set")
				if err := sess.SetCheckpoint(cmd.Context(), cursor); err != nil {
					return err
				}
				a.log.Warn("checkpoint overwritten by operator", "cursor", cursor)
			}

			cursor, ok, err := sess.Checkpoint(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "(none)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cursor)
			return nil
		},
	}
	cmd.Flags().String("set", "", "overwrite the cursor before printing it")
	return cmd
}
