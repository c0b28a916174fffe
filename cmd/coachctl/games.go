package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"coach-server/internal/store"
)

func newGamesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "games",
		Short: "Manage replay stats used by the coach tools",
	}
	cmd.AddCommand(newGamesImportCmd(opts))
	return cmd
}

func newGamesImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <user-id> <games.json>",
		Short: "Import a JSON array of games for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var games []store.Game
			if err := json.Unmarshal(data, &games); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}

			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.GetUser(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			for i, g := range games {
				if g.ID == "" {
					return fmt.Errorf("game %d: id is required", i)
				}
				g.UserID = args[0]
				if err := st.UpsertGame(cmd.Context(), g); err != nil {
					return fmt.Errorf("import game %s: %w", g.ID, err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d games\n", len(games))
			return err
		},
	}
}
