package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/patientbuddy/chat-platform/internal/config"
	"github.com/patientbuddy/chat-platform/internal/identity"
	"github.com/patientbuddy/chat-platform/internal/middleware"
	"github.com/patientbuddy/chat-platform/internal/model"
	"github.com/patientbuddy/chat-platform/internal/service"
	"github.com/patientbuddy/chat-platform/internal/store"
	"github.com/patientbuddy/chat-platform/pkg/logger"
)

// storeOpener opens the configured store, migrating it first when asked.
type storeOpener func(ctx context.Context, migrate bool) (store.Store, error)

func openStore(ctx context.Context, migrate bool) (store.Store, error) {
	cfg := config.Load()
	return store.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, migrate)
}

func newRootCmd(open storeOpener) *cobra.Command {
	var timeout time.Duration

	rootCmd := &cobra.Command{
		Use:           "chatadmin",
		Short:         "Operate the chat platform's user directory and schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "deadline for each command")

	// withUsers runs fn against a user service over the opened store.
	withUsers := func(cmd *cobra.Command, migrate bool, fn func(ctx context.Context, users *service.UserService) error) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st, err := open(ctx, migrate)
		if err != nil {
			return err
		}
		defer st.Close()

		cfg := config.Load()
		users := service.NewUserService(st, identity.NewAuthenticator(cfg.JWTSecret, cfg.JWTExpiration), logger.Nop())
		return fn(ctx, users)
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, true, func(ctx context.Context, _ *service.UserService) error {
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}

	var adminEmail, adminPassword string
	createAdminCmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator, or promote the account that owns --email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &model.CredentialsRequest{Email: adminEmail, Password: adminPassword}
			if err := middleware.ValidateRequest(req); err != nil {
				return err
			}
			return withUsers(cmd, false, func(ctx context.Context, users *service.UserService) error {
				user, created, err := users.EnsureAdmin(ctx, req.Email, req.Password)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "created administrator %s (%s)\n", user.Email, user.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is an administrator (%s)\n", user.Email, user.ID)
				}
				return nil
			})
		},
	}
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "administrator email")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "administrator password (8-72 characters)")
	_ = createAdminCmd.MarkFlagRequired("email")
	_ = createAdminCmd.MarkFlagRequired("password")

	setRoleCmd := &cobra.Command{
		Use:   "set-role <userID> <user|admin>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, false, func(ctx context.Context, users *service.UserService) error {
				user, err := users.SetRole(ctx, args[0], args[1])
				if errors.Is(err, model.ErrNotFound) {
					return fmt.Errorf("user %s not found", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Email, user.Role)
				return nil
			})
		},
	}

	listUsersCmd := &cobra.Command{
		Use:   "list-users",
		Short: "List users, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUsers(cmd, false, func(ctx context.Context, users *service.UserService) error {
				list, err := users.List(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tEMAIL\tUSERNAME\tROLE\tCREATED")
				for _, u := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Username, u.Role, u.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	rootCmd.AddCommand(migrateCmd, createAdminCmd, setRoleCmd, listUsersCmd)
	return rootCmd
}
