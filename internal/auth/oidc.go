package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig holds the OIDC provider configuration.
type OIDCConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OIDCProvider wraps the OIDC discovery and OAuth2 flow.
type OIDCProvider struct {
	mu        sync.RWMutex
	provider  *oidc.Provider
	verifier  *oidc.IDTokenVerifier
	oauth2Cfg oauth2.Config
}

// OIDCUserInfo represents the user info extracted from OIDC claims.
type OIDCUserInfo struct {
	Subject string
	Email   string
	Name    string
}

// NewOIDCProvider initialises the OIDC provider via discovery.
// Returns nil, nil if the config is not enabled or incomplete.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled || cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	oauth2Cfg := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	return &OIDCProvider{
		provider:  provider,
		verifier:  provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Cfg: oauth2Cfg,
	}, nil
}

// AuthURL generates the authorization URL with the given state parameter.
func (p *OIDCProvider) AuthURL(state string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oauth2Cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and extracts user info.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*OIDCUserInfo, error) {
	p.mu.RLock()
	cfg := p.oauth2Cfg
	verifier := p.verifier
	p.mu.RUnlock()

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in response")
	}

	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("token verification: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("identity provider returned no email claim")
	}

	return &OIDCUserInfo{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	}, nil
}

// GenerateOIDCState creates a random 16-byte hex-encoded state parameter.
func GenerateOIDCState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
