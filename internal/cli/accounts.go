package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/expertline/expertline/internal/daemon"
	"github.com/expertline/expertline/internal/domain"
	"github.com/expertline/expertline/internal/id"
)

// ─── Account CLI ────────────────────────────────────────────────────────────
// Operator commands for users and experts. They talk to the store directly
// and go through the ledger for every balance change.

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd, userBalanceCmd, userEntriesCmd, userCreditCmd, userRefundCmd)

	rootCmd.AddCommand(expertCmd)
	expertCmd.AddCommand(expertRegisterCmd, expertApproveCmd, expertStatusCmd, expertClaimCmd)

	userCreateCmd.Flags().Int64("balance", 0, "Opening balance in tokens")
	userEntriesCmd.Flags().Int("limit", 20, "Number of entries to show")
	userCreditCmd.Flags().String("description", "admin credit", "Ledger entry description")
	userRefundCmd.Flags().String("description", "refund", "Ledger entry description")
	userRefundCmd.Flags().String("session", "", "Session being refunded")

	expertRegisterCmd.Flags().String("name", "", "Display name (required)")
	expertRegisterCmd.Flags().Int64("rate", 0, "Tokens per minute (required)")
	expertRegisterCmd.Flags().Bool("approve", false, "Approve immediately")
	expertApproveCmd.Flags().Bool("revoke", false, "Revoke approval instead")
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage token accounts",
}

var expertCmd = &cobra.Command{
	Use:   "expert",
	Short: "Manage expert profiles",
}

// ─── user ───────────────────────────────────────────────────────────────────

var userCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		balance, _ := cmd.Flags().GetInt64("balance")
		if balance < 0 {
			return fmt.Errorf("--balance must not be negative")
		}
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			u, err := domain.NewUser(args[0], 0, time.Now())
			if err != nil {
				return err
			}
			if err := app.DB.InsertUser(ctx, u); err != nil {
				return err
			}
			if balance > 0 {
				entry, err := app.Ledger.Credit(ctx, u.ID, balance, "opening balance")
				if err != nil {
					return err
				}
				u.Balance = entry.BalanceAfter
			}
			return printJSON(cmd.OutOrStdout(), u)
		})
	},
}

var userBalanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's spendable balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := id.ParseKind(args[0], id.KindUser)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			bal, err := app.Ledger.Balance(ctx, uid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", bal)
			return nil
		})
	},
}

var userEntriesCmd = &cobra.Command{
	Use:   "entries ACCOUNT_ID",
	Short: "List ledger entries of a user or expert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := id.Parse(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			entries, err := app.Ledger.Entries(ctx, account, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tBUCKET\tAMOUNT\tBEFORE\tAFTER\tSESSION\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Type, e.Bucket, e.Amount,
					e.BalanceBefore, e.BalanceAfter, e.SessionID, e.Description)
			}
			return tw.Flush()
		})
	},
}

var userCreditCmd = &cobra.Command{
	Use:   "credit USER_ID AMOUNT",
	Short: "Top up a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, amount, err := userAndAmount(args)
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			entry, err := app.Ledger.Credit(ctx, uid, amount, desc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		})
	},
}

var userRefundCmd = &cobra.Command{
	Use:   "refund USER_ID AMOUNT",
	Short: "Refund tokens, optionally against a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, amount, err := userAndAmount(args)
		if err != nil {
			return err
		}
		desc, _ := cmd.Flags().GetString("description")
		sid := id.Nil
		if raw, _ := cmd.Flags().GetString("session"); raw != "" {
			if sid, err = id.ParseKind(raw, id.KindSession); err != nil {
				return err
			}
		}
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			entry, err := app.Ledger.Refund(ctx, uid, amount, desc, sid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		})
	},
}

func userAndAmount(args []string) (id.ID, int64, error) {
	uid, err := id.ParseKind(args[0], id.KindUser)
	if err != nil {
		return id.Nil, 0, err
	}
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return id.Nil, 0, fmt.Errorf("amount %q: %w", args[1], err)
	}
	return uid, amount, nil
}

// ─── expert ─────────────────────────────────────────────────────────────────

var expertRegisterCmd = &cobra.Command{
	Use:   "register USER_ID",
	Short: "Create an expert profile backed by a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := id.ParseKind(args[0], id.KindUser)
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		rate, _ := cmd.Flags().GetInt64("rate")
		approve, _ := cmd.Flags().GetBool("approve")
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			if _, err := app.DB.GetUser(ctx, uid); err != nil {
				return err
			}
			ex, err := domain.NewExpert(uid, name, rate, time.Now())
			if err != nil {
				return err
			}
			ex.Approved = approve
			if err := app.DB.InsertExpert(ctx, ex); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ex)
		})
	},
}

var expertApproveCmd = &cobra.Command{
	Use:   "approve EXPERT_ID",
	Short: "Approve an expert so callers can reach them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eid, err := id.ParseKind(args[0], id.KindExpert)
		if err != nil {
			return err
		}
		revoke, _ := cmd.Flags().GetBool("revoke")
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			if err := app.DB.SetExpertApproved(ctx, eid, !revoke); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s approved=%t\n", eid, !revoke)
			return nil
		})
	},
}

var expertStatusCmd = &cobra.Command{
	Use:   "status EXPERT_ID",
	Short: "Show an expert's availability and earnings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eid, err := id.ParseKind(args[0], id.KindExpert)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			ex, err := app.DB.GetExpert(ctx, eid)
			if err != nil {
				return err
			}
			rec, err := app.Experts.Record(ctx, eid)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"expert":         ex,
				"availability":   rec.Status(),
				"average_rating": ex.AverageRating(),
			})
		})
	},
}

var expertClaimCmd = &cobra.Command{
	Use:   "claim EXPERT_ID",
	Short: "Move unclaimed earnings into the backing user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eid, err := id.ParseKind(args[0], id.KindExpert)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *daemon.App) error {
			entry, err := app.Ledger.Claim(ctx, eid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Claimed %d tokens; balance now %d\n", entry.Amount, entry.BalanceAfter)
			return nil
		})
	},
}
