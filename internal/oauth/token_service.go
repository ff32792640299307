// Package oauth implements the Token Service (spec §4.A): exchanging
// authorization codes, refreshing access tokens, and decoding identity
// claims against the vendor's OAuth endpoint. It never retries; the
// caller decides.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"
)

// Vendor OAuth constants for the ChatGPT Codex CLI client.
const (
	ClientID           = "app_EMoamEEZ73f0CkXaXp7hrann"
	TokenURL           = "https://auth.openai.com/oauth/token"
	DefaultRedirectURI = "http://localhost:1455/auth/callback"
	RefreshScopes      = "openid profile email"
)

// claimsAuthNamespace is the fixed nested-claim path (§4.A "Decode
// identity claims") the vendor uses to namespace its custom claims.
const claimsAuthNamespace = "https://api.openai.com/auth"

// TokenResponse is the vendor's OAuth2 token response shape (§6 Token
// endpoint).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// authClaims is the OpenAI-specific nested claim object.
type authClaims struct {
	ChatGPTAccountID string `json:"chatgpt_account_id"`
	ChatGPTUserID    string `json:"chatgpt_user_id"`
	UserID           string `json:"user_id"`
}

// idTokenClaims covers the standard and vendor-specific claims this
// service reads out of an access/ID token's JWT payload. It embeds
// jwt.RegisteredClaims so jwt.Parser can decode it directly.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string      `json:"email"`
	Auth  *authClaims `json:"https://api.openai.com/auth,omitempty"`
}

// Service implements the Token Service. It holds no account state; it
// is a pure function-ish collaborator the Account Manager calls.
type Service struct {
	tokenURL string
	client   *req.Client
}

// New returns a Service. client, if nil, is built with a 60s timeout.
func New(client *req.Client) *Service {
	if client == nil {
		client = req.C().SetTimeout(60 * time.Second)
	}
	return &Service{tokenURL: TokenURL, client: client}
}

// ExchangeCode implements §4.A "Exchange authorization code". Returns
// (access, refresh, absolute-ms-expiry); err is non-nil on any non-2xx
// response or a missing required field.
func (s *Service) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (access, refresh string, expiryMS int64, err error) {
	if redirectURI == "" {
		redirectURI = DefaultRedirectURI
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", ClientID)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("code_verifier", codeVerifier)

	return s.post(ctx, form)
}

// RefreshToken implements §4.A "Refresh access token".
func (s *Service) RefreshToken(ctx context.Context, refreshToken string) (access, refresh string, expiryMS int64, err error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", ClientID)
	form.Set("scope", RefreshScopes)

	return s.post(ctx, form)
}

// Refresh adapts RefreshToken to the manager.TokenRefresher shape.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiryMS int64, err error) {
	return s.RefreshToken(ctx, refreshToken)
}

func (s *Service) post(ctx context.Context, form url.Values) (access, refresh string, expiryMS int64, err error) {
	var tokenResp TokenResponse

	resp, reqErr := s.client.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		SetSuccessResult(&tokenResp).
		Post(s.tokenURL)
	if reqErr != nil {
		return "", "", 0, fmt.Errorf("token request failed: %w", reqErr)
	}
	if !resp.IsSuccessState() {
		return "", "", 0, fmt.Errorf("token request rejected: status %d, body: %s", resp.StatusCode, resp.String())
	}

	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" || tokenResp.ExpiresIn == 0 {
		return "", "", 0, fmt.Errorf("token response missing required fields")
	}

	expiry := time.Now().UnixMilli() + tokenResp.ExpiresIn*1000
	return tokenResp.AccessToken, tokenResp.RefreshToken, expiry, nil
}

// DecodeClaims implements §4.A "Decode identity claims". The vendor's
// signing key is not available to this component, so the token is
// decoded, not verified — jwt.NewParser's ParseUnverified is built for
// exactly this. Any parse failure yields empty strings rather than an
// error — "no claims" per §4.A.
func DecodeClaims(accessToken string) (accountID, email string) {
	var claims idTokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return "", ""
	}

	email = claims.Email
	if claims.Auth != nil {
		accountID = claims.Auth.ChatGPTAccountID
	}
	return accountID, email
}

// DecodeAccountID adapts DecodeClaims to the manager.TokenRefresher
// shape.
func (s *Service) DecodeAccountID(accessToken string) (accountID, email string) {
	return DecodeClaims(accessToken)
}

// GenerateCodeVerifier produces a PKCE code verifier. This and
// GenerateCodeChallenge are exposed as narrow supplementary helpers
// (see SPEC_FULL.md) for hosts whose own authorize/redirect dance
// still needs a matching verifier/challenge pair; the browser dance
// itself is out of scope (spec §1).
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateCodeChallenge derives the S256 PKCE challenge for verifier.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return strings.TrimRight(base64.URLEncoding.EncodeToString(sum[:]), "=")
}
