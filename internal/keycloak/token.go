package keycloak

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// TokenResponse represents an OAuth2 token response
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	TokenType        string `json:"token_type"`
}

// PasswordGrant authenticates a user against a realm's token endpoint using
// the OAuth2 resource-owner password grant.
func PasswordGrant(ctx context.Context, httpClient *resty.Client, baseURL, realm, clientID, username, password string) (*TokenResponse, error) {
	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimSuffix(baseURL, "/"), realm)

	var token TokenResponse
	resp, err := httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type": "password",
			"client_id":  clientID,
			"username":   username,
			"password":   password,
		}).
		SetResult(&token).
		Post(tokenURL)

	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if resp.IsError() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	return &token, nil
}

// Claims holds the decoded payload of an access token. Only the claims this
// tool asserts on are typed; everything else stays in the raw map.
type Claims struct {
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`

	// RealmRoles is the legacy flat role list some client scopes emit.
	RealmRoles []string `json:"realm_roles"`

	raw map[string]interface{}
}

// Roles returns the union of realm_access.roles and the legacy realm_roles
// claim, preserving first-seen order.
func (cl Claims) Roles() []string {
	seen := make(map[string]bool)
	var roles []string
	for _, lists := range [][]string{cl.RealmAccess.Roles, cl.RealmRoles} {
		for _, r := range lists {
			if !seen[r] {
				seen[r] = true
				roles = append(roles, r)
			}
		}
	}
	return roles
}

// HasRole reports whether the token carries the given role in either role claim.
func (cl Claims) HasRole(name string) bool {
	for _, r := range cl.Roles() {
		if r == name {
			return true
		}
	}
	return false
}

// CustomString returns a top-level claim as a string. Single-element string
// lists collapse to their only value, matching how a non-multivalued
// attribute mapper projects the attribute.
func (cl Claims) CustomString(name string) string {
	v, ok := cl.raw[name]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		if len(val) == 1 {
			if s, ok := val[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// DecodeClaims decodes the claims segment of a compact JWT without verifying
// the signature. This exists to inspect what a trusted server issued, never
// to validate untrusted tokens.
func DecodeClaims(accessToken string) (Claims, error) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("malformed token: expected 3 segments, got %d", len(parts))
	}

	payload := parts[1]
	if m := len(payload) % 4; m != 0 {
		payload += strings.Repeat("=", 4-m)
	}

	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to decode claims segment: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := json.Unmarshal(decoded, &claims.raw); err != nil {
		return Claims{}, fmt.Errorf("failed to parse claims: %w", err)
	}

	return claims, nil
}
