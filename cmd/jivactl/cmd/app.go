package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/jiva_gateway/internal/cache"
	"github.com/austindbirch/jiva_gateway/internal/db"
	"github.com/austindbirch/jiva_gateway/internal/store"
)

// appCmd represents the app command
var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage client apps",
	Long:  `Create client apps and toggle their access to the gateway.`,
}

var appCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a client app",
	Long: `Create a client app. A client id and secret are generated when not given.
The secret is printed once and only its hash is stored.

Example:
  jivactl app create --name "Pharmacy Portal" --client-id pharmacy-portal`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		clientID, _ := cmd.Flags().GetString("client-id")
		secret, _ := cmd.Flags().GetString("secret")
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		pool, err := db.Connect(ctx, dsn, 2)
		if err != nil {
			return err
		}
		defer pool.Close()

		s := store.New(pool, cliLogger())
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		app, plain, err := s.CreateApp(ctx, name, clientID, secret)
		if err != nil {
			return fmt.Errorf("create app: %w", err)
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"app":          app,
				"clientSecret": plain,
			})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "App %q created\n", app.Name)
		fmt.Fprintf(out, "  Client ID:     %s\n", app.ClientID)
		fmt.Fprintf(out, "  Client secret: %s\n", plain)
		fmt.Fprintln(out, "Store the secret now; it cannot be shown again.")
		return nil
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [client-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := db.Connect(ctx, dsn, 2)
			if err != nil {
				return err
			}
			defer pool.Close()

			s := store.New(pool, cliLogger())
			if err := s.SetAppActive(ctx, clientID, active); err != nil {
				return err
			}

			// Tokens are checked against the cached profile; drop it so the change applies now.
			kv, err := cache.Open(redisURL, keyPrefix)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer kv.Close()
			profiles := store.NewProfileCache(s, kv, 0, cliLogger())
			if err := profiles.Invalidate(ctx, clientID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: cached profile not cleared: %v\n", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "App %s %sd\n", clientID, use)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(appCmd)
	appCmd.AddCommand(appCreateCmd)
	appCmd.AddCommand(setActiveCmd("enable", "Allow an app to request tokens and submit jobs", true))
	appCmd.AddCommand(setActiveCmd("disable", "Block an app without deleting it", false))

	appCreateCmd.Flags().String("name", "", "display name (unique)")
	appCreateCmd.Flags().String("client-id", "", "client id (generated if empty)")
	appCreateCmd.Flags().String("secret", "", "client secret (generated if empty)")
}
