package main

import (
	"fmt"

	"github.com/cloudzz-dev/estatemsg/internal/models"
	"github.com/cloudzz-dev/estatemsg/internal/server/auth"
	"github.com/spf13/cobra"
)

type userAddOptions struct {
	*rootOptions
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
}

func newUserCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newUserAddCommand(root))
	return cmd
}

func newUserAddCommand(root *rootOptions) *cobra.Command {
	opts := &userAddOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		Long: `Create an account. Admin accounts mark every message they send as an
admin reply.

Example:
  estatemsg-server user add --email ops@example.com --password s3cret --first Ops --role admin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAdd(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Email, "email", "", "login email (required)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "password (required)")
	cmd.Flags().StringVar(&opts.FirstName, "first", "", "first name (required)")
	cmd.Flags().StringVar(&opts.LastName, "last", "", "last name")
	cmd.Flags().StringVar(&opts.Role, "role", models.RoleUser, "user|admin")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	_ = cmd.MarkFlagRequired("first")

	return cmd
}

func runUserAdd(cmd *cobra.Command, opts *userAddOptions) error {
	if opts.Role != models.RoleUser && opts.Role != models.RoleAdmin {
		return fmt.Errorf("invalid role %q: must be %s or %s", opts.Role, models.RoleUser, models.RoleAdmin)
	}
	if len(opts.Password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	hash, err := auth.HashPassword(opts.Password)
	if err != nil {
		return err
	}
	u := &models.User{
		UserRef:      models.UserRef{Email: opts.Email, FirstName: opts.FirstName, LastName: opts.LastName},
		Role:         opts.Role,
		PasswordHash: hash,
	}
	if err := st.CreateUser(cmd.Context(), u); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (%s)\n", u.Role, u.Email, u.ID)
	return nil
}
