package provision

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/crm-platform/keycloak-setup/internal/keycloak"
)

// Provisioner runs the ordered recipe that converges a realm toward a Target.
// Every step is safe to re-run: conflicts on create and missing entities on
// delete are reported as no-ops, and only a missing prerequisite whose
// identifier later steps need aborts the run.
type Provisioner struct {
	kc     *keycloak.Client
	target Target
	log    logr.Logger
	report *Report
}

// New creates a Provisioner.
func New(kc *keycloak.Client, target Target, log logr.Logger, report *Report) *Provisioner {
	return &Provisioner{
		kc:     kc,
		target: target,
		log:    log.WithName("provisioner"),
		report: report,
	}
}

// Run executes the full recipe. The returned error is non-nil only for fatal
// prerequisite failures; everything else is reported and the run continues.
func (p *Provisioner) Run(ctx context.Context) error {
	clientUUID, err := p.resolveClient(ctx)
	if err != nil {
		return err
	}

	p.configureClient(ctx, clientUUID)
	p.ensureRoles(ctx)
	p.removeOldRoles(ctx)

	for _, user := range p.target.Users {
		p.ensureUser(ctx, user)
	}

	p.ensureProtocolMapper(ctx, clientUUID)
	p.applyRealmPolicy(ctx)
	p.cleanupLegacyUser(ctx)

	return nil
}

// resolveClient locates the target client's internal UUID. Later steps hang
// off this identifier, so an empty filter result is fatal.
func (p *Provisioner) resolveClient(ctx context.Context) (string, error) {
	p.report.Section("Resolve client %s", p.target.ClientID)

	client, err := p.kc.GetClientByClientID(ctx, p.target.Realm, p.target.ClientID)
	if err != nil {
		p.report.Failf("client %s: %v", p.target.ClientID, err)
		return "", fmt.Errorf("cannot provision realm %s without client %s: %w", p.target.Realm, p.target.ClientID, err)
	}

	p.report.Okf("client UUID: %s", *client.ID)
	return *client.ID, nil
}

// configureClient enables the flags token verification depends on:
// fullScopeAllowed so realm roles reach the token, directAccessGrantsEnabled
// for the password grant, publicClient so no secret is needed. Drift here is
// surfaced as a warning, not retried.
func (p *Provisioner) configureClient(ctx context.Context, clientUUID string) {
	p.report.Section("Configure client flags")

	rep, err := p.kc.GetClientRaw(ctx, p.target.Realm, clientUUID)
	if err != nil {
		RecordStep("configure_client", OutcomeFailed)
		p.report.Warnf("fetch client: %v", err)
		return
	}

	rep["fullScopeAllowed"] = true
	rep["directAccessGrantsEnabled"] = true
	rep["publicClient"] = true

	outcome := classifyUpdate(p.kc.UpdateClient(ctx, p.target.Realm, clientUUID, rep))
	RecordStep("configure_client", outcome)
	p.report.Step(p.target.ClientID, outcome)
	if outcome == OutcomeFailed {
		p.log.Info("client flag update failed", "client", p.target.ClientID)
	}
}

func (p *Provisioner) ensureRoles(ctx context.Context) {
	p.report.Section("Create realm roles")

	for _, role := range p.target.NewRoles {
		name, desc := role, fmt.Sprintf("CRM %s role", role)
		err := p.kc.CreateRealmRole(ctx, p.target.Realm, keycloak.RoleRepresentation{
			Name:        &name,
			Description: &desc,
		})
		outcome := classifyCreate(err)
		RecordStep("create_role", outcome)
		p.report.Step(role, outcome)
		if outcome == OutcomeFailed {
			p.log.Error(err, "role create failed", "role", role)
		}
	}
}

func (p *Provisioner) removeOldRoles(ctx context.Context) {
	p.report.Section("Remove old roles")

	for _, role := range p.target.OldRoles {
		outcome := classifyDelete(p.kc.DeleteRealmRole(ctx, p.target.Realm, role))
		RecordStep("delete_role", outcome)
		p.report.Step(role, outcome)
	}
}

// ensureUser creates the user if absent, then looks it up by exact username
// to obtain the identifier for role assignment and the attribute merge.
func (p *Provisioner) ensureUser(ctx context.Context, spec UserSpec) {
	p.report.Section("Create user %s", spec.Username)

	username, email := spec.Username, spec.Email
	first, last := spec.FirstName, spec.LastName
	enabled, verified := true, true

	_, err := p.kc.CreateUser(ctx, p.target.Realm, keycloak.UserRepresentation{
		Username:      &username,
		Email:         &email,
		FirstName:     &first,
		LastName:      &last,
		Enabled:       &enabled,
		EmailVerified: &verified,
		Credentials: []keycloak.CredentialRepresentation{
			{Type: "password", Value: spec.Password, Temporary: false},
		},
		Attributes: spec.Attributes,
	})
	outcome := classifyCreate(err)
	RecordStep("create_user", outcome)
	p.report.Step(spec.Username, outcome)
	if outcome == OutcomeFailed {
		p.log.Error(err, "user create failed", "user", spec.Username)
		return
	}

	user, err := p.kc.GetUserByUsername(ctx, p.target.Realm, spec.Username)
	if err != nil {
		RecordStep("lookup_user", OutcomeFailed)
		p.report.Warnf("lookup %s: %v", spec.Username, err)
		return
	}

	p.assignRoles(ctx, *user.ID, spec.Roles)
	if len(spec.Attributes) > 0 {
		p.mergeAttributes(ctx, *user.ID, spec.Attributes)
	}
}

// assignRoles resolves each role by name and submits a role-mapping request.
// Failures are warnings: an already-assigned role simply no-ops server-side.
func (p *Provisioner) assignRoles(ctx context.Context, userID string, roles []string) {
	for _, roleName := range roles {
		role, err := p.kc.GetRealmRole(ctx, p.target.Realm, roleName)
		if err != nil {
			RecordStep("assign_role", OutcomeFailed)
			p.report.Warnf("role %s not resolvable: %v", roleName, err)
			continue
		}

		err = p.kc.AddRealmRoleMappings(ctx, p.target.Realm, userID, []keycloak.RoleRepresentation{
			{ID: role.ID, Name: role.Name},
		})
		outcome := classifyUpdate(err)
		if outcome == OutcomeUpdated {
			outcome = OutcomeCreated
		}
		RecordStep("assign_role", outcome)
		if outcome == OutcomeFailed {
			p.report.Warnf("%s role assignment: %v", roleName, err)
		} else {
			p.report.Okf("%s role assigned", roleName)
		}
	}
}

// mergeAttributes merges the desired attribute keys into the user's existing
// attribute map. Unrelated keys survive: the fetched representation is the
// base and only the target keys are overlaid before the PUT.
func (p *Provisioner) mergeAttributes(ctx context.Context, userID string, attrs map[string][]string) {
	rep, err := p.kc.GetUserRaw(ctx, p.target.Realm, userID)
	if err != nil {
		RecordStep("set_attributes", OutcomeFailed)
		p.report.Warnf("fetch user for attribute merge: %v", err)
		return
	}

	existing, _ := rep["attributes"].(map[string]interface{})
	if existing == nil {
		existing = map[string]interface{}{}
	}
	for key, values := range attrs {
		existing[key] = values
	}
	rep["attributes"] = existing

	outcome := classifyUpdate(p.kc.UpdateUser(ctx, p.target.Realm, userID, rep))
	RecordStep("set_attributes", outcome)
	if outcome == OutcomeFailed {
		p.report.Warnf("attribute update failed")
	} else {
		p.report.Okf("attributes set: %v", sortedKeys(attrs))
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ensureProtocolMapper projects the target attribute into a same-named claim
// in the ID token, access token, and userinfo response.
func (p *Provisioner) ensureProtocolMapper(ctx context.Context, clientUUID string) {
	p.report.Section("Add %s protocol mapper", p.target.Mapper.Attribute)

	err := p.kc.CreateProtocolMapper(ctx, p.target.Realm, clientUUID, keycloak.ProtocolMapperRepresentation{
		Name:           p.target.Mapper.Attribute,
		Protocol:       "openid-connect",
		ProtocolMapper: "oidc-usermodel-attribute-mapper",
		Config: map[string]string{
			"user.attribute":       p.target.Mapper.Attribute,
			"claim.name":           p.target.Mapper.Attribute,
			"jsonType.label":       "String",
			"id.token.claim":       "true",
			"access.token.claim":   "true",
			"userinfo.token.claim": "true",
			"multivalued":          "false",
		},
	})
	outcome := classifyCreate(err)
	RecordStep("protocol_mapper", outcome)
	p.report.Step(p.target.Mapper.Attribute+" mapper", outcome)
	if outcome == OutcomeFailed {
		p.log.Error(err, "protocol mapper create failed")
	}
}

// applyRealmPolicy overlays the session, password, and brute-force settings
// onto the realm's current representation and writes the merged object back.
func (p *Provisioner) applyRealmPolicy(ctx context.Context) {
	p.report.Section("Configure realm session/password policy")

	rep, err := p.kc.GetRealmRaw(ctx, p.target.Realm)
	if err != nil {
		RecordStep("realm_policy", OutcomeFailed)
		p.report.Warnf("fetch realm: %v", err)
		return
	}

	policy := p.target.Policy
	rep["accessTokenLifespan"] = policy.AccessTokenLifespan
	rep["ssoSessionIdleTimeout"] = policy.SSOSessionIdleTimeout
	rep["ssoSessionMaxLifespan"] = policy.SSOSessionMaxLifespan
	rep["offlineSessionIdleTimeout"] = policy.OfflineSessionIdleTimeout
	rep["passwordPolicy"] = policy.PasswordPolicy
	rep["bruteForceProtected"] = policy.BruteForceProtected
	rep["maxFailureWaitSeconds"] = policy.MaxFailureWaitSeconds
	rep["failureFactor"] = policy.FailureFactor
	rep["permanentLockout"] = policy.PermanentLockout

	outcome := classifyUpdate(p.kc.UpdateRealm(ctx, p.target.Realm, rep))
	RecordStep("realm_policy", outcome)
	p.report.Step("realm policies", outcome)
	if outcome != OutcomeFailed {
		p.report.Infof("access token: %ds, SSO idle: %ds, SSO max: %ds, offline: %ds",
			policy.AccessTokenLifespan, policy.SSOSessionIdleTimeout,
			policy.SSOSessionMaxLifespan, policy.OfflineSessionIdleTimeout)
	}
}

// cleanupLegacyUser migrates the configured pre-existing test user onto the
// new role model. The user may legitimately be absent; the legacy role
// mapping removal is fire-and-forget since the role itself may already be
// deleted.
func (p *Provisioner) cleanupLegacyUser(ctx context.Context) {
	cleanup := p.target.LegacyCleanup
	if cleanup == nil {
		return
	}

	p.report.Section("Update existing %s test user", cleanup.Username)

	user, err := p.kc.GetUserByUsername(ctx, p.target.Realm, cleanup.Username)
	if err != nil {
		RecordStep("legacy_cleanup", OutcomeAlreadyAbsent)
		p.report.Infof("%s not found (skip)", cleanup.Username)
		return
	}

	p.assignRoles(ctx, *user.ID, []string{cleanup.AssignRole})

	// Remove the old role mapping only while the old role still resolves.
	if oldRole, err := p.kc.GetRealmRole(ctx, p.target.Realm, cleanup.RemoveRole); err == nil {
		// Best-effort: outcome logged, never failing the run.
		if err := p.kc.RemoveRealmRoleMappings(ctx, p.target.Realm, *user.ID, []keycloak.RoleRepresentation{
			{ID: oldRole.ID, Name: oldRole.Name},
		}); err != nil {
			p.log.Info("legacy role mapping removal failed", "role", cleanup.RemoveRole, "error", err.Error())
		} else {
			p.report.Infof("old %s removed", cleanup.RemoveRole)
		}
	}

	if len(cleanup.Attributes) > 0 {
		p.mergeAttributes(ctx, *user.ID, cleanup.Attributes)
	}
	RecordStep("legacy_cleanup", OutcomeUpdated)
}
