// Package provision converges a Keycloak realm's roles, users, client
// configuration, protocol mappers, and policies toward a fixed target state.
package provision

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Target is the desired end state for one provisioning run. It is built once
// and never mutated by the provisioner, so a test can run the same recipe
// against a mock server with alternate targets.
type Target struct {
	// Realm is the tenant realm being provisioned (not the admin realm).
	Realm string `json:"realm"`

	// ClientID is the clientId of the OIDC client the CRM frontend uses.
	ClientID string `json:"clientId"`

	// NewRoles are created if absent; OldRoles are deleted if present.
	NewRoles []string `json:"newRoles"`
	OldRoles []string `json:"oldRoles"`

	Users []UserSpec `json:"users"`

	Mapper MapperSpec `json:"mapper"`
	Policy PolicySpec `json:"policy"`

	// LegacyCleanup names a pre-existing test user to migrate onto the new
	// role model. Nil disables the step.
	LegacyCleanup *LegacyCleanupSpec `json:"legacyCleanup,omitempty"`
}

// UserSpec defines one user to provision.
type UserSpec struct {
	Username   string              `json:"username"`
	Email      string              `json:"email"`
	FirstName  string              `json:"firstName"`
	LastName   string              `json:"lastName"`
	Password   string              `json:"password"`
	Roles      []string            `json:"roles"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// MapperSpec defines the protocol mapper projecting a user attribute into a
// same-named token claim.
type MapperSpec struct {
	Attribute string `json:"attribute"`
}

// PolicySpec holds the realm session, password, and brute-force settings.
// Field names match the realm representation so the overlay is mechanical.
type PolicySpec struct {
	AccessTokenLifespan       int    `json:"accessTokenLifespan"`
	SSOSessionIdleTimeout     int    `json:"ssoSessionIdleTimeout"`
	SSOSessionMaxLifespan     int    `json:"ssoSessionMaxLifespan"`
	OfflineSessionIdleTimeout int    `json:"offlineSessionIdleTimeout"`
	PasswordPolicy            string `json:"passwordPolicy"`
	BruteForceProtected       bool   `json:"bruteForceProtected"`
	FailureFactor             int    `json:"failureFactor"`
	MaxFailureWaitSeconds     int    `json:"maxFailureWaitSeconds"`
	PermanentLockout          bool   `json:"permanentLockout"`
}

// LegacyCleanupSpec migrates an existing user: assign a new role, best-effort
// removal of the old role mapping, and merge the given attributes.
type LegacyCleanupSpec struct {
	Username   string              `json:"username"`
	Password   string              `json:"password"`
	AssignRole string              `json:"assignRole"`
	RemoveRole string              `json:"removeRole"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// DefaultTarget returns the multi-tenant CRM target state.
func DefaultTarget() Target {
	return Target{
		Realm:    "crm-prod",
		ClientID: "crm-web",
		NewRoles: []string{"super_admin", "company_admin", "company_member"},
		OldRoles: []string{"owner_admin", "dispatcher", "technician", "accountant", "viewer"},
		Users: []UserSpec{
			{
				Username:  "superadmin",
				Email:     "superadmin@crm.local",
				FirstName: "Super",
				LastName:  "Admin",
				Password:  "super123",
				Roles:     []string{"super_admin"},
			},
			{
				Username:   "office@bostonmasters.com",
				Email:      "office@bostonmasters.com",
				FirstName:  "Boston",
				LastName:   "Masters Admin",
				Password:   "boston123",
				Roles:      []string{"company_admin"},
				Attributes: map[string][]string{"company_id": {"1"}}, // real UUID after DB migration
			},
		},
		Mapper: MapperSpec{Attribute: "company_id"},
		Policy: PolicySpec{
			AccessTokenLifespan:       900,      // 15 minutes
			SSOSessionIdleTimeout:     1800,     // 30 minutes
			SSOSessionMaxLifespan:     43200,    // 12 hours
			OfflineSessionIdleTimeout: 2592000,  // 30 days (refresh token)
			PasswordPolicy:            "length(8) and maxLength(128) and notUsername",
			BruteForceProtected:       true,
			FailureFactor:             5,
			MaxFailureWaitSeconds:     900,
			PermanentLockout:          false,
		},
		LegacyCleanup: &LegacyCleanupSpec{
			Username:   "admin@crm.local",
			Password:   "admin123",
			AssignRole: "company_admin",
			RemoveRole: "owner_admin",
			Attributes: map[string][]string{"company_id": {"1"}},
		},
	}
}

// LoadTarget reads a YAML target file and overlays it on the defaults.
// Lists and nested structs present in the file replace the default wholesale.
func LoadTarget(path string) (Target, error) {
	target := DefaultTarget()

	data, err := os.ReadFile(path)
	if err != nil {
		return Target{}, fmt.Errorf("failed to read target file: %w", err)
	}
	if err := yaml.Unmarshal(data, &target); err != nil {
		return Target{}, fmt.Errorf("failed to parse target file %s: %w", path, err)
	}

	return target, nil
}
