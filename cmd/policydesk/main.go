// ABOUTME: Entry point for the policydesk chat backend
// ABOUTME: Provides serve, health and token commands

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/policydesk/internal/auth"
	"github.com/2389/policydesk/internal/config"
	"github.com/2389/policydesk/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
             _ _               _           _
 _ __   ___ | (_) ___ _   _  __| | ___  ___| | __
| '_ \ / _ \| | |/ __| | | |/ _' |/ _ \/ __| |/ /
| |_) | (_) | | | (__| |_| | (_| |  __/\__ \   <
| .__/ \___/|_|_|\___|\__, |\__,_|\___||___/_|\_\
|_|                   |___/
`

// getConfigPath returns the path to the config file.
// Priority: POLICYDESK_CONFIG env var > XDG_CONFIG_HOME/policydesk/config.yaml > ~/.config/policydesk/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("POLICYDESK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "policydesk", "config.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "policydesk",
		Short:         "Policyholder support chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default from POLICYDESK_CONFIG or XDG config dir)")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		return getConfigPath()
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolve())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealth(cmd.Context(), resolve())
		},
	})

	cmd.AddCommand(tokenCmd(resolve))

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "policydesk %s\n", version)
		},
	})

	return cmd
}

func tokenCmd(resolve func() string) *cobra.Command {
	var (
		userID string
		email  string
		guest  bool
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed user token for testing the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolve())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg.Auth.JWTSecret, &auth.AuthContext{
				UserID:      userID,
				Email:       email,
				IsAnonymous: guest,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user-id", "", "User id (default: random UUID)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().BoolVar(&guest, "guest", false, "Mark the user as anonymous")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// mintToken signs a token for user, filling in a random id when none is given.
func mintToken(secret string, user *auth.AuthContext, ttl time.Duration) (string, error) {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive")
	}
	verifier, err := auth.NewJWTVerifier([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("creating verifier: %w", err)
	}
	token, err := verifier.Generate(user, ttl)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

func runServe(ctx context.Context, configPath string) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.WebhookURL())
	green.Print("    ▶ ")
	fmt.Printf("Resume:    ")
	if cfg.Resumable.Backend == config.BackendNone {
		yellow.Println("disabled")
	} else {
		cyan.Println(cfg.Resumable.Backend)
	}
	fmt.Println()

	logger.Info("starting policydesk",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return checkHealth(ctx, http.DefaultClient, "http://"+cfg.Server.HTTPAddr)
}

// checkHealth asks the server at baseURL whether it is up.
func checkHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
