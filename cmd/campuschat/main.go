package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campuschat/internal/app"
	"campuschat/internal/auth"
	"campuschat/internal/config"
	"campuschat/pkg/types"
)

// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// run dispatches to "serve" (default) or "token"
func run(args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return issueToken(args[1:], stdout)
	}
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}
	return serve(args)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	<-ctx.Done()
	log.Printf("shutdown signal received")

	// Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return application.Stop(shutdownCtx)
}

// issueToken signs a development token with the configured secret
func issueToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to a JSON config file")
	userID := fs.String("user", "", "user id")
	email := fs.String("email", "", "email (defaults to <user>@campus.local)")
	role := fs.String("role", string(types.RoleStudent), "STUDENT, PROFESSOR or SUPER_ADMIN")
	year := fs.Int("year", 0, "batch year")
	branch := fs.String("branch", "", "batch branch")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to the configured ttl)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if *userID == "" {
		return errors.New("token: -user is required")
	}
	if *email == "" {
		*email = *userID + "@campus.local"
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return err
	}
	if *ttl <= 0 {
		*ttl = cfg.Auth.TokenTTL
	}

	verifier, err := auth.NewVerifier(cfg.Auth.TokenSecret)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(types.IdentityClaim{
		UserID:      *userID,
		Email:       *email,
		Role:        types.Role(*role),
		BatchYear:   *year,
		BatchBranch: *branch,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	_, err = fmt.Fprintln(stdout, token)
	return err
}
