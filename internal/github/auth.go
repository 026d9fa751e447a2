package github

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AppAuth holds GitHub App authentication configuration. It mints short-lived
// installation tokens for the configured repository as an alternative to a
// static personal access token.
type AppAuth struct {
	AppID      string
	PrivateKey string

	// APIBaseURL overrides https://api.github.com in tests
	APIBaseURL string
}

// InstallationToken represents a GitHub App installation access token
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

func (a *AppAuth) apiBase() string {
	if a.APIBaseURL != "" {
		return strings.TrimSuffix(a.APIBaseURL, "/")
	}
	return "https://api.github.com"
}

// GenerateJWT creates a JWT token for GitHub App authentication
func (a *AppAuth) GenerateJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(a.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	appID, err := strconv.ParseInt(a.AppID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid app ID: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(appID, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signedToken, nil
}

// GetInstallationToken gets an installation access token for owner/repo
func (a *AppAuth) GetInstallationToken(owner, repo string) (*InstallationToken, error) {
	jwtToken, err := a.GenerateJWT()
	if err != nil {
		return nil, err
	}

	installationID, err := a.getInstallationID(jwtToken, owner, repo)
	if err != nil {
		return nil, err
	}

	return a.getInstallationAccessToken(jwtToken, installationID)
}

func (a *AppAuth) getInstallationID(jwtToken, owner, repo string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/installation", a.apiBase(), owner, repo)

	var result struct {
		ID int64 `json:"id"`
	}
	if err := a.appRequest(http.MethodGet, url, jwtToken, http.StatusOK, &result); err != nil {
		return 0, fmt.Errorf("failed to get installation: %w", err)
	}
	return result.ID, nil
}

func (a *AppAuth) getInstallationAccessToken(jwtToken string, installationID int64) (*InstallationToken, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiBase(), installationID)

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := a.appRequest(http.MethodPost, url, jwtToken, http.StatusCreated, &result); err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	return &InstallationToken{Token: result.Token, ExpiresAt: result.ExpiresAt}, nil
}

func (a *AppAuth) appRequest(method, url, jwtToken string, wantStatus int, out interface{}) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GitHub API error: %d - %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// installationTransport injects a cached installation token into outgoing
// requests, re-minting it shortly before expiry.
type installationTransport struct {
	auth  *AppAuth
	owner string
	repo  string
	base  http.RoundTripper

	mu    sync.Mutex
	token *InstallationToken
}

func newInstallationTransport(auth *AppAuth, owner, repo string) *installationTransport {
	return &installationTransport{
		auth:  auth,
		owner: owner,
		repo:  repo,
		base:  http.DefaultTransport,
	}
}

func (t *installationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.currentToken()
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

func (t *installationTransport) currentToken() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Refresh a minute early so in-flight requests never carry a stale token
	if t.token != nil && time.Until(t.token.ExpiresAt) > time.Minute {
		return t.token.Token, nil
	}

	token, err := t.auth.GetInstallationToken(t.owner, t.repo)
	if err != nil {
		return "", err
	}
	t.token = token
	return token.Token, nil
}
