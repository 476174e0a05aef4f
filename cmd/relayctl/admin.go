package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gasless-relayer/middlewares"
)

func newAdminCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Operator utilities"}

	var subject string
	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator JWT for the /admin routes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := e.v.GetString("operator-secret")
			if secret == "" {
				return fmt.Errorf("--operator-secret (or %s_OPERATOR_SECRET) is required", envPrefix)
			}
			token, err := middlewares.GenerateOperatorJWT(secret, subject, ttl)
			if err != nil {
				return err
			}
			return e.print(map[string]string{"token": token}, func() []string { return []string{token} })
		},
	}
	tokenCmd.Flags().String("operator-secret", "", "Relayer OPERATOR_JWT_SECRET")
	tokenCmd.Flags().StringVar(&subject, "subject", "relayctl", "Operator name recorded in the token")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	cmd.AddCommand(tokenCmd)
	return cmd
}
