package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"coach-server/internal/store"
)

type rootOptions struct {
	dbPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "coachctl",
		Short:         "Administer the coach server and chat with it",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", os.Getenv("COACH_DB_PATH"), "sqlite database path")

	rootCmd.AddCommand(
		newUserCmd(opts),
		newGamesCmd(opts),
		newReservationsCmd(opts),
		newChatCmd(),
	)
	return rootCmd
}

// openStore opens the database named by --db. The caller closes it.
func (o *rootOptions) openStore() (*store.Store, error) {
	if o.dbPath == "" {
		return nil, errors.New("database path required: pass --db or set COACH_DB_PATH")
	}
	return store.Open(o.dbPath)
}
