package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/auditledger/internal/identity"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		p   identity.Principal
		ttl time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an actor token for ledgerd",
		Long: `token signs an HS256 actor token with the server's auth.jwt_secret.
The secret is read from --secret, the config file or AUTH_JWT_SECRET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("auth.jwt_secret")
			if secret == "" {
				return usageErr(fmt.Errorf("auth.jwt_secret is not set"))
			}
			tokens, err := identity.NewActorTokenIssuer([]byte(secret), viper.GetString("auth.issuer"), ttl)
			if err != nil {
				return usageErr(err)
			}
			tok, err := tokens.Issue(p)
			if err != nil {
				return usageErr(err)
			}
			return emit(cmd.OutOrStdout(), opts.format, map[string]any{
				"token":      tok,
				"token_type": "Bearer",
				"expires_in": int(ttl.Seconds()),
			}, tok)
		},
	}
	cmd.Flags().String("secret", "", "HS256 signing secret (auth.jwt_secret)")
	cmd.Flags().String("issuer", "auditledger", "Token issuer (auth.issuer)")
	cmd.Flags().StringVar(&p.TenantID, "tenant", "", "Tenant UUID")
	cmd.Flags().StringVar(&p.ActorID, "actor", "", "Actor UUID")
	cmd.Flags().StringVar(&p.ActorRole, "role", "", "Actor role")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = viper.BindPFlag("auth.jwt_secret", cmd.Flags().Lookup("secret"))
	_ = viper.BindPFlag("auth.issuer", cmd.Flags().Lookup("issuer"))
	return cmd
}
