package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"coach-server/internal/budget"
)

func newReservationsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "Inspect token reservations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Release every expired reservation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := budget.New(st, budget.Options{}).SweepExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "released %d reservations\n", n)
			return err
		},
	})
	return cmd
}
