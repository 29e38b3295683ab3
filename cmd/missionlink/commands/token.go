package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/missionlink/internal/auth"
	"github.com/opencode-ai/missionlink/internal/config"
)

var (
	tokenUser string
	tokenTTL  time.Duration
	tokenDir  string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for a user",
	Long: `Issue an HS256 bearer token signed with auth.secret from the
configuration. Clients present it in the Authorization header, the token
query parameter or an authenticate frame.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenUser, "user", "u", "", "User id to put in the subject claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenDir, "directory", "", "Working directory")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(tokenDir)
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(workDir); err != nil {
		return err
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if appConfig.Auth.Secret == "" {
		return errors.New("auth.secret is not configured")
	}

	token, err := auth.New(auth.Config{
		Secret: appConfig.Auth.Secret,
		Issuer: appConfig.Auth.Issuer,
	}).Issue(tokenUser, tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
