package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/botfleet/orchestrator/identity"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token",
		Long: `Mint a signed bearer token for the given subject.

The token is signed with ORCH_JWT_SECRET and printed to stdout. Meant for
development and operational tooling; user-facing tokens come from the
identity provider.

Examples:
  botctl token ana --perm robot:run --perm run:read
  botctl token ci-deploy --perm robot:publish --ttl 10m`,
		Args: cobra.ExactArgs(1),
		RunE: runToken,
	}
	cmd.Flags().StringArray("perm", []string{identity.PermAdminManage}, "permission to grant (repeatable)")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	_, cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	perms, _ := cmd.Flags().GetStringArray("perm")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	token, err := identity.Sign(cfg.JWTSecret, identity.Claims{
		Subject:     args[0],
		Permissions: perms,
		TTL:         ttl,
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
