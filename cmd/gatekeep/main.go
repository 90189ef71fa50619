package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dgellow/gatekeep/internal"
	"github.com/dgellow/gatekeep/internal/config"
	"github.com/dgellow/gatekeep/internal/log"
	"github.com/dgellow/gatekeep/internal/role"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.Version,
		"server": map[string]any{
			"baseURL":        "https://auth.yourcompany.com",
			"addr":           ":8080",
			"allowedOrigins": []string{"https://yourcompany.com"},
		},
		"provider": map[string]any{
			"clientId":     map[string]string{"$env": "TWITCH_CLIENT_ID"},
			"clientSecret": map[string]string{"$env": "TWITCH_CLIENT_SECRET"},
			"redirectUri":  "https://auth.yourcompany.com/callback",
			"scopes":       []string{"user:read:email"},
			"timeout":      "10s",
		},
		"session": map[string]any{
			"signingSecret":     map[string]string{"$env": "SESSION_SIGNING_SECRET"},
			"tokenTtl":          "1h",
			"stateTtl":          "10m",
			"sameSite":          "lax",
			"loginPath":         "/login",
			"landingPath":       "/dashboard",
			"protectedPrefixes": []string{"/dashboard", "/profile", "/admin"},
		},
		"storage": map[string]any{
			"kind": "sqlite",
			"dsn":  "gatekeep.db",
		},
		"revocation": map[string]any{
			"kind": "memory",
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Println("Result: PASS")
	case len(result.Errors) == 0:
		fmt.Println("Result: FAIL (warnings present)")
	default:
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

// parseSetRole splits "<provider id>=<role>".
func parseSetRole(arg string) (string, role.Role, error) {
	providerID, r, ok := strings.Cut(arg, "=")
	if !ok || providerID == "" || r == "" {
		return "", "", fmt.Errorf("expected <provider-id>=<role>, got %q", arg)
	}
	return providerID, role.Role(r), nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func main() {
	conf := flag.String("config", "", "path to config file (defaults to GATEKEEP_* environment variables)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	setRole := flag.String("set-role", "", "set a profile role and exit, as <provider-id>=<user|admin>")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if *setRole != "" {
		providerID, r, err := parseSetRole(*setRole)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := internal.SetRole(ctx, cfg, providerID, r); err != nil {
			log.LogError("Failed to set role: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Set role of %s to %s\n", providerID, r)
		return
	}

	log.LogInfoWithFields("main", "Starting gatekeep", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	app, err := internal.New(ctx, cfg)
	if err != nil {
		log.LogError("Failed to build gatekeep: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
