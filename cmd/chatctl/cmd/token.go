package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"clinicchat/internal/common"
	"clinicchat/internal/config"
)

var tokenTTL time.Duration

// tokenCmd mints a development token with the server's configured secret
var tokenCmd = &cobra.Command{
	Use:   "token <role.id>",
	Short: "Issue a development bearer token",
	Long: `Issue a bearer token for an identity such as doctor.d-17, signed with
JWT_SECRET/JWT_ISSUER from the environment or .env. Intended for local testing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ident, err := common.ParseIdentityKey(args[0])
		if err != nil {
			return err
		}
		cfg := config.LoadConfig()
		tok, err := common.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).GenerateToken(ident, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
