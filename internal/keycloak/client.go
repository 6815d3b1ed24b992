// Package keycloak provides a client for interacting with the Keycloak Admin REST API.
package keycloak

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx response from the Keycloak admin API. It carries the
// raw status code and body so callers can decide what a 409 or 404 means at
// their call site instead of parsing error strings.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keycloak API error %d: %s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is an APIError with status 409.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 409
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// Client provides methods to interact with the Keycloak Admin REST API
type Client struct {
	baseURL  string
	realm    string
	username string
	password string

	httpClient  *resty.Client
	token       *TokenResponse
	tokenExpiry time.Time
	tokenMutex  sync.RWMutex
	log         logr.Logger
}

// Config holds Keycloak client configuration
type Config struct {
	BaseURL  string
	Realm    string // admin realm, defaults to "master"
	Username string
	Password string

	// Observe, when set, is called after every HTTP round trip.
	Observe func(method string, status int)
}

// NewClient creates a new Keycloak client
func NewClient(cfg Config, log logr.Logger) *Client {
	if cfg.Realm == "" {
		cfg.Realm = "master"
	}

	httpClient := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(0)

	if cfg.Observe != nil {
		httpClient.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			cfg.Observe(resp.Request.Method, resp.StatusCode())
			return nil
		})
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		realm:      cfg.Realm,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		log:        log.WithName("keycloak-client"),
	}
}

// BaseURL returns the server base URL the client was configured with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// getToken gets a valid admin token, refreshing if necessary
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.tokenMutex.RLock()
	if c.token != nil && c.isTokenValid() {
		defer c.tokenMutex.RUnlock()
		return c.token.AccessToken, nil
	}
	c.tokenMutex.RUnlock()

	c.tokenMutex.Lock()
	defer c.tokenMutex.Unlock()

	// Double-check after acquiring write lock
	if c.token != nil && c.isTokenValid() {
		return c.token.AccessToken, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)

	formData := map[string]string{
		"grant_type": "password",
		"client_id":  "admin-cli",
		"username":   c.username,
		"password":   c.password,
	}

	var token TokenResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(formData).
		SetResult(&token).
		Post(tokenURL)

	if err != nil {
		return "", fmt.Errorf("failed to authenticate with Keycloak: %w", err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("failed to authenticate with Keycloak: %s: %s", resp.Status(), string(resp.Body()))
	}

	c.token = &token
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	return token.AccessToken, nil
}

// isTokenValid checks if the current token is still valid
func (c *Client) isTokenValid() bool {
	if c.token == nil {
		return false
	}
	// Add a buffer of 30 seconds before expiration
	return time.Now().Add(30 * time.Second).Before(c.tokenExpiry)
}

// Ping checks if the Keycloak server is accessible
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.getToken(ctx)
	return err
}

// request creates an authenticated request
func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	return c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(token), nil
}

func apiError(resp *resty.Response) error {
	return &APIError{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
}

// ============================================================================
// Generic CRUD Operations
// ============================================================================

// Create creates a resource and returns its ID (from Location header)
func (c *Client) Create(ctx context.Context, path string, body interface{}) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}

	resp, err := req.SetBody(body).Post(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return "", apiError(resp)
	}

	// Extract ID from Location header
	location := resp.Header().Get("Location")
	if location != "" {
		parts := strings.Split(location, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}

	return "", nil
}

// Get retrieves a resource
func (c *Client) Get(ctx context.Context, path string, result interface{}) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetResult(result).Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return apiError(resp)
	}

	return nil
}

// Update updates a resource
func (c *Client) Update(ctx context.Context, path string, body interface{}) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.SetBody(body).Put(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return apiError(resp)
	}

	return nil
}

// Delete deletes a resource
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}

	resp, err := req.Delete(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	if resp.IsError() {
		return apiError(resp)
	}

	return nil
}

// ============================================================================
// Realm Operations
// ============================================================================

// GetRealmRaw gets a realm's full representation as a generic map, so a
// read-modify-write update keeps fields this client has no types for.
func (c *Client) GetRealmRaw(ctx context.Context, realmName string) (map[string]interface{}, error) {
	var realm map[string]interface{}
	if err := c.Get(ctx, "/admin/realms/"+url.PathEscape(realmName), &realm); err != nil {
		return nil, err
	}
	return realm, nil
}

// UpdateRealm updates a realm from a full representation
func (c *Client) UpdateRealm(ctx context.Context, realmName string, definition interface{}) error {
	return c.Update(ctx, "/admin/realms/"+url.PathEscape(realmName), definition)
}

// ============================================================================
// Client Operations
// ============================================================================

// ClientRepresentation represents a Keycloak client
type ClientRepresentation struct {
	ID                        *string `json:"id,omitempty"`
	ClientID                  *string `json:"clientId,omitempty"`
	Name                      *string `json:"name,omitempty"`
	Enabled                   *bool   `json:"enabled,omitempty"`
	PublicClient              *bool   `json:"publicClient,omitempty"`
	DirectAccessGrantsEnabled *bool   `json:"directAccessGrantsEnabled,omitempty"`
	FullScopeAllowed          *bool   `json:"fullScopeAllowed,omitempty"`
}

// GetClients gets all clients in a realm with optional filtering
func (c *Client) GetClients(ctx context.Context, realmName string, params map[string]string) ([]ClientRepresentation, error) {
	var clients []ClientRepresentation
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if params != nil {
		req.SetQueryParams(params)
	}
	resp, err := req.SetResult(&clients).Get(c.baseURL + "/admin/realms/" + url.PathEscape(realmName) + "/clients")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return clients, nil
}

// GetClientByClientID finds a client by its clientId field
func (c *Client) GetClientByClientID(ctx context.Context, realmName, clientID string) (*ClientRepresentation, error) {
	clients, err := c.GetClients(ctx, realmName, map[string]string{"clientId": clientID})
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("client not found: %s", clientID)
	}
	return &clients[0], nil
}

// GetClientRaw gets a client's full representation as a generic map
func (c *Client) GetClientRaw(ctx context.Context, realmName, clientUUID string) (map[string]interface{}, error) {
	var client map[string]interface{}
	if err := c.Get(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/clients/"+url.PathEscape(clientUUID), &client); err != nil {
		return nil, err
	}
	return client, nil
}

// UpdateClient updates a client
func (c *Client) UpdateClient(ctx context.Context, realmName, clientUUID string, clientDef interface{}) error {
	return c.Update(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/clients/"+url.PathEscape(clientUUID), clientDef)
}

// ProtocolMapperRepresentation represents a protocol mapper on a client
type ProtocolMapperRepresentation struct {
	Name           string            `json:"name"`
	Protocol       string            `json:"protocol"`
	ProtocolMapper string            `json:"protocolMapper"`
	Config         map[string]string `json:"config"`
}

// CreateProtocolMapper creates a protocol mapper on a client. Keycloak
// answers 409 when a mapper with the same name already exists.
func (c *Client) CreateProtocolMapper(ctx context.Context, realmName, clientUUID string, mapper ProtocolMapperRepresentation) error {
	_, err := c.Create(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/clients/"+url.PathEscape(clientUUID)+"/protocol-mappers/models", mapper)
	return err
}

// ============================================================================
// User Operations
// ============================================================================

// CredentialRepresentation represents a user credential
type CredentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// UserRepresentation represents a Keycloak user
type UserRepresentation struct {
	ID            *string                    `json:"id,omitempty"`
	Username      *string                    `json:"username,omitempty"`
	Email         *string                    `json:"email,omitempty"`
	Enabled       *bool                      `json:"enabled,omitempty"`
	EmailVerified *bool                      `json:"emailVerified,omitempty"`
	FirstName     *string                    `json:"firstName,omitempty"`
	LastName      *string                    `json:"lastName,omitempty"`
	Attributes    map[string][]string        `json:"attributes,omitempty"`
	Credentials   []CredentialRepresentation `json:"credentials,omitempty"`
}

// CreateUser creates a new user
func (c *Client) CreateUser(ctx context.Context, realmName string, user UserRepresentation) (string, error) {
	return c.Create(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/users", user)
}

// GetUsers gets users with optional filtering
func (c *Client) GetUsers(ctx context.Context, realmName string, params map[string]string) ([]UserRepresentation, error) {
	var users []UserRepresentation
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if params != nil {
		req.SetQueryParams(params)
	}
	resp, err := req.SetResult(&users).Get(c.baseURL + "/admin/realms/" + url.PathEscape(realmName) + "/users")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	return users, nil
}

// GetUserByUsername finds a user by exact username match
func (c *Client) GetUserByUsername(ctx context.Context, realmName, username string) (*UserRepresentation, error) {
	users, err := c.GetUsers(ctx, realmName, map[string]string{"username": username, "exact": "true"})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user not found: %s", username)
	}
	return &users[0], nil
}

// GetUserRaw gets a user's full representation as a generic map
func (c *Client) GetUserRaw(ctx context.Context, realmName, userID string) (map[string]interface{}, error) {
	var user map[string]interface{}
	if err := c.Get(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/users/"+url.PathEscape(userID), &user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateUser updates a user
func (c *Client) UpdateUser(ctx context.Context, realmName, userID string, userDef interface{}) error {
	return c.Update(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/users/"+url.PathEscape(userID), userDef)
}

// ============================================================================
// Role Operations
// ============================================================================

// RoleRepresentation represents a Keycloak role
type RoleRepresentation struct {
	ID          *string `json:"id,omitempty"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

// CreateRealmRole creates a realm-level role
func (c *Client) CreateRealmRole(ctx context.Context, realmName string, role RoleRepresentation) error {
	_, err := c.Create(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/roles", role)
	return err
}

// GetRealmRole gets a realm role by name
func (c *Client) GetRealmRole(ctx context.Context, realmName, roleName string) (*RoleRepresentation, error) {
	var role RoleRepresentation
	if err := c.Get(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/roles/"+url.PathEscape(roleName), &role); err != nil {
		return nil, err
	}
	return &role, nil
}

// DeleteRealmRole deletes a realm role
func (c *Client) DeleteRealmRole(ctx context.Context, realmName, roleName string) error {
	return c.Delete(ctx, "/admin/realms/"+url.PathEscape(realmName)+"/roles/"+url.PathEscape(roleName))
}

// AddRealmRoleMappings assigns realm roles to a user. The payload carries
// {id, name} pairs as the role-mappings endpoint requires.
func (c *Client) AddRealmRoleMappings(ctx context.Context, realmName, userID string, roles []RoleRepresentation) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(roles).Post(c.baseURL + "/admin/realms/" + url.PathEscape(realmName) + "/users/" + url.PathEscape(userID) + "/role-mappings/realm")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}

// RemoveRealmRoleMappings removes realm roles from a user
func (c *Client) RemoveRealmRoleMappings(ctx context.Context, realmName, userID string, roles []RoleRepresentation) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetBody(roles).Delete(c.baseURL + "/admin/realms/" + url.PathEscape(realmName) + "/users/" + url.PathEscape(userID) + "/role-mappings/realm")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return apiError(resp)
	}
	return nil
}
