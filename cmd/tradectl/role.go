package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/models"
)

func parseRole(s string) (string, error) {
	switch role := strings.ToLower(s); role {
	case models.RoleAdmin, models.RoleUser:
		return role, nil
	default:
		return "", fmt.Errorf("unknown role %q (want admin|user)", s)
	}
}

func newGrantRoleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant-role <email> <role>",
		Short: "Grant a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeRole(cmd, opts, args[0], args[1], true)
		},
	}
}

func newRevokeRoleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-role <email> <role>",
		Short: "Revoke a role from a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeRole(cmd, opts, args[0], args[1], false)
		},
	}
}

func changeRole(cmd *cobra.Command, opts *rootOptions, email, roleArg string, grant bool) error {
	role, err := parseRole(roleArg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := opts.logger()
	defer logger.Sync()

	database, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	user, err := database.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}

	if grant {
		err = database.GrantRole(ctx, user.ID, role)
	} else {
		err = database.RevokeRole(ctx, user.ID, role)
	}
	if err != nil {
		return err
	}
	logger.Info("role updated",
		zap.String("user_id", user.ID.String()),
		zap.String("role", role),
		zap.Bool("granted", grant))
	return nil
}
