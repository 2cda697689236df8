package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidguard/kidguard/internal/auth"
)

var (
	actingAdmin string
	tokenTTL    time.Duration
)

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Manage premium subscriptions",
}

var subscriptionsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Revert premium children whose subscription lapsed to the free tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return report(res, "Subscription sweep",
			field{"Expired", strconv.FormatInt(res.Expired, 10)},
			field{"Parents notified", strconv.Itoa(res.Notified)},
		)
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Account administration",
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a parent account and everything its children produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireAuth(); err != nil {
			return err
		}
		actor, err := adminSession(cmd, a)
		if err != nil {
			return err
		}

		rows, err := a.accounts.Delete(cmd.Context(), actor, args[0])
		if err != nil {
			return err
		}
		return report(map[string]any{"user_id": args[0], "deleted": rows}, "Account deleted",
			field{"User", args[0]},
			field{"Children", strconv.FormatInt(rows.Children, 10)},
			field{"Devices", strconv.FormatInt(rows.Devices, 10)},
			field{"Alerts", strconv.FormatInt(rows.Alerts, 10)},
			field{"Device events", strconv.FormatInt(rows.DeviceEvents, 10)},
			field{"Queue items", strconv.FormatInt(rows.QueueItems, 10)},
		)
	},
}

var usersImpersonateCmd = &cobra.Command{
	Use:   "impersonate <user-id>",
	Short: "Issue a short-lived support token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireAuth(); err != nil {
			return err
		}
		actor, err := adminSession(cmd, a)
		if err != nil {
			return err
		}

		imp, err := a.accounts.Impersonate(cmd.Context(), actor, args[0])
		if err != nil {
			return err
		}
		return report(imp, "Support token",
			field{"User", imp.UserID},
			field{"Expires", imp.ExpiresAt.Local().Format(time.RFC3339)},
			field{"Token", imp.Token},
		)
	},
}

var usersTokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for an existing user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireAuth(); err != nil {
			return err
		}

		u, err := a.store.GetUser(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("user %s: %w", args[0], err)
		}
		tok, exp, err := a.auth.Tokens().Issue(u.ID, u.Email, "", tokenTTL)
		if err != nil {
			return err
		}
		return report(map[string]any{"token": tok, "user_id": u.ID, "expires_at": exp}, "Bearer token",
			field{"User", u.ID},
			field{"Expires", exp.Local().Format(time.RFC3339)},
			field{"Token", tok},
		)
	},
}

// adminSession resolves --as into a session carrying that user's roles.
// Authorization is still checked by the account service.
func adminSession(cmd *cobra.Command, a *app) (auth.Session, error) {
	if actingAdmin == "" {
		return auth.Session{}, fmt.Errorf("--as <admin-user-id> is required")
	}
	roles, err := a.auth.Roles().Lookup(cmd.Context(), actingAdmin)
	if err != nil {
		return auth.Session{}, err
	}
	return auth.Session{UserID: actingAdmin, Roles: roles}, nil
}

func init() {
	usersCmd.PersistentFlags().StringVar(&actingAdmin, "as", "", "administrator user id performing the action")
	usersTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")

	subscriptionsCmd.AddCommand(subscriptionsExpireCmd)
	usersCmd.AddCommand(usersDeleteCmd, usersImpersonateCmd, usersTokenCmd)
}
