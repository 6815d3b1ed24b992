// Package verify confirms provisioning took effect by authenticating as the
// provisioned users and inspecting the claims of the tokens actually issued.
package verify

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"

	"github.com/crm-platform/keycloak-setup/internal/keycloak"
)

// Verifier requests password-grant tokens from a realm and asserts expected
// roles and claims. Claims are decoded without signature validation: the
// verifier confirms what a trusted server issued, it is not a production
// token-validation path.
type Verifier struct {
	httpClient *resty.Client
	baseURL    string
	realm      string
	clientID   string
	log        logr.Logger
}

// New creates a Verifier for one realm and client.
func New(baseURL, realm, clientID string, log logr.Logger) *Verifier {
	return &Verifier{
		httpClient: resty.New().SetTimeout(10 * time.Second).SetRetryCount(0),
		baseURL:    baseURL,
		realm:      realm,
		clientID:   clientID,
		log:        log.WithName("verifier"),
	}
}

// Check describes one principal to verify.
type Check struct {
	Username string
	Password string

	// ExpectRole must appear in realm_access.roles ∪ realm_roles.
	ExpectRole string

	// ExpectClaim, when set, must be a non-empty top-level claim.
	ExpectClaim string
}

// Result is the verification outcome for one principal.
type Result struct {
	Username   string
	Roles      []string
	ClaimValue string
	RoleOK     bool
	ClaimOK    bool
	Err        error
}

// OK reports whether every assertion for the principal held.
func (r Result) OK() bool {
	return r.Err == nil && r.RoleOK && r.ClaimOK
}

// VisibleRoles filters Keycloak's default-* composite roles out of the role
// list for display.
func (r Result) VisibleRoles() []string {
	var out []string
	for _, role := range r.Roles {
		if !strings.HasPrefix(role, "default") {
			out = append(out, role)
		}
	}
	return out
}

// Verify runs every check. Principals are independent: a failure is captured
// in that principal's Result and the remaining checks still run.
func (v *Verifier) Verify(ctx context.Context, checks []Check) []Result {
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		results = append(results, v.verifyOne(ctx, check))
	}
	return results
}

func (v *Verifier) verifyOne(ctx context.Context, check Check) Result {
	result := Result{Username: check.Username}

	token, err := keycloak.PasswordGrant(ctx, v.httpClient, v.baseURL, v.realm, v.clientID, check.Username, check.Password)
	if err != nil {
		result.Err = err
		return result
	}

	claims, err := keycloak.DecodeClaims(token.AccessToken)
	if err != nil {
		result.Err = err
		return result
	}

	result.Roles = claims.Roles()
	result.RoleOK = claims.HasRole(check.ExpectRole)

	if check.ExpectClaim == "" {
		result.ClaimOK = true
	} else {
		result.ClaimValue = claims.CustomString(check.ExpectClaim)
		result.ClaimOK = result.ClaimValue != ""
	}

	v.log.V(1).Info("verified principal",
		"user", check.Username, "roleOK", result.RoleOK, "claimOK", result.ClaimOK)

	return result
}
