package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"skillvault-service/internal/auth"
	"skillvault-service/internal/config"
	"skillvault-service/internal/domain"
)

// NewTokenCmd mints a bearer token for local development.
func NewTokenCmd(configPath *string) *cobra.Command {
	var caller domain.Caller
	var role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret (or JWT_SECRET) is required")
			}
			if caller.StudentID == "" {
				return fmt.Errorf("--sub is required")
			}
			caller.Role = domain.Role(role)
			if ttl <= 0 {
				ttl = config.TTLDuration(cfg.Auth.TokenTTL, 24*time.Hour)
			}
			tok, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl).Issue(caller)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&caller.StudentID, "sub", "", "user id carried as the token subject")
	cmd.Flags().StringVar(&caller.CollegeID, "college", "", "college id")
	cmd.Flags().StringVar(&caller.Name, "name", "", "display name printed on certificates")
	cmd.Flags().StringVar(&caller.Email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleStudent), "student|faculty|college_admin|admin|recruiter")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.tokenTTL)")
	return cmd
}
