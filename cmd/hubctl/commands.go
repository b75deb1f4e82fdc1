package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jwalitptl/eventhub/internal/app"
	"github.com/jwalitptl/eventhub/internal/config"
	"github.com/jwalitptl/eventhub/internal/middleware"
	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository/postgres"
	"github.com/jwalitptl/eventhub/pkg/security"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		fmt.Println("✓ Schema up to date")
		return nil
	},
}

var purgeEventsCmd = &cobra.Command{
	Use:   "purge-events",
	Short: "Delete events older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		return withApp(cmd, func(cfg *config.Config) {
			if olderThan > 0 {
				cfg.Events.Retention = olderThan
			}
		}, func(ctx context.Context, a *app.App) error {
			n, err := a.Events.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Purged %d events\n", n)
			return nil
		})
	},
}

var expireNotificationsCmd = &cobra.Command{
	Use:   "expire-notifications",
	Short: "Expire pending notifications older than the TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		return withApp(cmd, func(cfg *config.Config) {
			if ttl > 0 {
				cfg.Notifications.TTL = ttl
			}
		}, func(ctx context.Context, a *app.App) error {
			n, err := a.Notifications.ExpireStale(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Expired %d notifications\n", n)
			return nil
		})
	},
}

var sweepConnectionsCmd = &cobra.Command{
	Use:   "sweep-connections",
	Short: "Remove realtime connections that missed their heartbeat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			n, err := a.Realtime.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Removed %d stale connections\n", n)
			return nil
		})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List a user's notifications that failed on every channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}
		return withApp(cmd, nil, func(ctx context.Context, a *app.App) error {
			items, total, err := a.Notifications.ListNotifications(ctx, model.NotificationFilter{
				UserID: userID,
				Status: model.NotificationStatusFailed,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAPP\tTYPE\tCHANNELS\tCREATED")
			for _, n := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", n.ID, n.AppID, n.Type, n.Channels, n.CreatedAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\n%d of %d failed notifications\n", len(items), total)
			return nil
		})
	},
}

var hashAPIKeyCmd = &cobra.Command{
	Use:   "hash-api-key",
	Short: "Generate an API key for an app and print its config entry",
	Long: `Generate a random API key for an app. The key is printed once; only
the bcrypt hash goes into config.yaml under auth.api_keys.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appID, _ := cmd.Flags().GetString("app")
		key, _ := cmd.Flags().GetString("key")
		if appID == "" {
			return fmt.Errorf("--app is required")
		}
		if key == "" {
			var err error
			if key, err = security.GenerateKey(); err != nil {
				return err
			}
		}
		hash, err := security.NewBcryptHasher(0).Hash(key)
		if err != nil {
			return err
		}

		entry := map[string]any{
			"auth": map[string]any{
				"api_keys": map[string]string{appID: hash},
			},
		}
		out, err := yaml.Marshal(entry)
		if err != nil {
			return err
		}
		fmt.Printf("API key for %s (store it now, it is not recoverable):\n  %s\n\n", appID, key)
		fmt.Print(string(out))
		return nil
	},
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Issue a bearer token for a user of an app",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		appID, _ := cmd.Flags().GetString("app")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if userID == "" || appID == "" {
			return fmt.Errorf("--user and --app are required")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is not configured")
		}
		auth := middleware.NewAuthMiddleware(middleware.AuthConfig{
			JWTSecret: cfg.JWT.Secret,
			JWTIssuer: cfg.JWT.Issuer,
		})
		token, err := auth.IssueToken(userID, appID, ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	purgeEventsCmd.Flags().Duration("older-than", 0, "Override events.retention")
	expireNotificationsCmd.Flags().Duration("ttl", 0, "Override notifications.ttl")

	deadLettersCmd.Flags().String("user", "", "User whose failed notifications to list (required)")
	deadLettersCmd.Flags().Int("limit", 50, "Maximum rows to show")

	hashAPIKeyCmd.Flags().String("app", "", "App the key authenticates (required)")
	hashAPIKeyCmd.Flags().String("key", "", "Hash this key instead of generating one")

	issueTokenCmd.Flags().String("user", "", "Subject user id (required)")
	issueTokenCmd.Flags().String("app", "", "App id claim (required)")
	issueTokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}
