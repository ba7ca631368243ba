// Command devtoken mints a signed bearer token for local testing. The real
// identity provider is external; this uses the same JWT_SIGNING_KEY and
// JWT_ISSUER as the server.
//
//	devtoken -user alice -email alice@example.com [-role admin] [-ttl 1h]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"teamclock/internal/identity"
	"teamclock/internal/platform/config"
	"teamclock/pkg/domain"
)

func main() {
	fs := flag.NewFlagSet("devtoken", flag.ExitOnError)
	user := fs.String("user", "", "user id (token subject)")
	email := fs.String("email", "", "e-mail claim")
	role := fs.String("role", "user", "role claim: user or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(os.Args[1:])

	if err := run(*user, *email, *role, *ttl); err != nil {
		fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
		os.Exit(1)
	}
}

func run(user, email, role string, ttl time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		return errors.New("refusing to mint tokens in production")
	}

	userID, err := domain.ParseUserID(user)
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}
	parsedRole, err := domain.ParseRole(role)
	if err != nil {
		return fmt.Errorf("-role: %w", err)
	}

	tokens := identity.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer)
	token, err := tokens.GenerateToken(userID, email, parsedRole, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
