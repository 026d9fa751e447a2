package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for the issueflow service
type Config struct {
	// Server settings
	Port   int
	DBPath string

	// GitHub repository settings
	GitHubOwner string
	GitHubRepo  string

	// GitHub auth: either a static token, or GitHub App credentials
	GitHubToken      string
	GitHubAppID      string
	GitHubPrivateKey string

	// Devin API settings
	DevinAPIKey  string
	DevinBaseURL string

	// Triage settings
	CommentLimit int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnvInt("PORT", 8000),
		DBPath:           getEnv("DB_PATH", "runs.db"),
		GitHubOwner:      os.Getenv("GITHUB_OWNER"),
		GitHubRepo:       os.Getenv("GITHUB_REPO"),
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
		GitHubAppID:      os.Getenv("GITHUB_APP_ID"),
		GitHubPrivateKey: normalizePrivateKey(os.Getenv("GITHUB_PRIVATE_KEY")),
		DevinAPIKey:      os.Getenv("DEVIN_API_KEY"),
		DevinBaseURL:     getEnv("DEVIN_BASE_URL", "https://api.devin.ai/v1"),
		CommentLimit:     getEnvInt("COMMENT_LIMIT", 10),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RepoFullName returns the owner/repo slug for the configured repository
func (c *Config) RepoFullName() string {
	return c.GitHubOwner + "/" + c.GitHubRepo
}

// validate checks that all required configuration is present
func (c *Config) validate() error {
	if c.GitHubOwner == "" {
		return fmt.Errorf("GITHUB_OWNER is required")
	}
	if c.GitHubRepo == "" {
		return fmt.Errorf("GITHUB_REPO is required")
	}
	if c.DevinAPIKey == "" {
		return fmt.Errorf("DEVIN_API_KEY is required")
	}
	if err := c.validateGitHubCredentials(); err != nil {
		return err
	}
	if c.CommentLimit <= 0 {
		c.CommentLimit = 10
	}
	return nil
}

func (c *Config) validateGitHubCredentials() error {
	if c.GitHubToken != "" {
		return nil
	}
	if c.GitHubAppID == "" && c.GitHubPrivateKey == "" {
		return fmt.Errorf("GITHUB_TOKEN or GITHUB_APP_ID/GITHUB_PRIVATE_KEY is required")
	}
	if c.GitHubAppID == "" {
		return fmt.Errorf("GITHUB_APP_ID is required when GITHUB_PRIVATE_KEY is set")
	}
	if c.GitHubPrivateKey == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY is required when GITHUB_APP_ID is set")
	}
	return nil
}

func normalizePrivateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "\"") && strings.HasSuffix(trimmed, "\"") {
		trimmed = strings.TrimPrefix(trimmed, "\"")
		trimmed = strings.TrimSuffix(trimmed, "\"")
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		trimmed = strings.TrimPrefix(trimmed, "'")
		trimmed = strings.TrimSuffix(trimmed, "'")
	}

	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if strings.Contains(trimmed, "\\n") {
		trimmed = strings.ReplaceAll(trimmed, "\\r", "")
		trimmed = strings.ReplaceAll(trimmed, "\\n", "\n")
	}

	return trimmed
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
