package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ideasync/pkg/auth"
)

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		userID string
		name   string
		rooms  []string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay token signed with the configured jwt secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, _, err := bootstrap(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Security.JWTSecret == "" {
				return errors.New("security.jwt_secret is not configured")
			}
			generator, err := auth.NewJWTGenerator(cfg.Security.JWTSecret, cfg.Security.JWTIssuer, ttl)
			if err != nil {
				return err
			}
			token, err := generator.GenerateToken(userID, name, rooms)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "subject of the token")
	cmd.Flags().StringVar(&name, "user-name", "", "display name carried in the token")
	cmd.Flags().StringSliceVar(&rooms, "room", []string{auth.AllRooms}, "rooms the token may join")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
