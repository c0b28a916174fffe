package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"coach-server/internal/budget"
	"coach-server/internal/store"
)

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage coach users",
	}
	cmd.AddCommand(
		newUserAddCmd(opts),
		newUserShowCmd(opts),
		newUserTierCmd(opts),
	)
	return cmd
}

func newUserAddCmd(opts *rootOptions) *cobra.Command {
	var email, tier string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a user and print its id",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			user, err := st.CreateUser(cmd.Context(), email, tier, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&tier, "tier", store.TierFree, "subscription tier (free or pro)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newUserShowCmd(opts *rootOptions) *cobra.Command {
	var monthlyTokens, freePreviews int
	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user's token budget status as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			svc := budget.New(st, budget.Options{
				MonthlyTokens:       monthlyTokens,
				FreePreviewMessages: freePreviews,
			})
			status, err := svc.Status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("load budget for %s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
	cmd.Flags().IntVar(&monthlyTokens, "monthly-tokens", budget.DefaultMonthlyTokens, "monthly token allowance")
	cmd.Flags().IntVar(&freePreviews, "free-previews", budget.DefaultFreePreviewMessages, "free preview messages")
	return cmd
}

func newUserTierCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tier <user-id> <free|pro>",
		Short: "Change a user's subscription tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[1] != store.TierFree && args[1] != store.TierPro {
				return fmt.Errorf("unknown tier %q", args[1])
			}
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetSubscriptionTier(cmd.Context(), args[0], args[1], time.Now().UTC()); err != nil {
				return fmt.Errorf("set tier: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[0], args[1])
			return err
		},
	}
}
