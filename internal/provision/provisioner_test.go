package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crm-platform/keycloak-setup/internal/keycloak"
)

// fakeKeycloak is an in-memory stand-in for the admin API, serving just the
// endpoints the recipe touches and enforcing Keycloak's 409/404 semantics.
type fakeKeycloak struct {
	realmRep     map[string]interface{}
	roles        map[string]string // role name -> id
	users        map[string]map[string]interface{} // user id -> representation
	userSeq      int
	clients      []map[string]interface{}
	mappers      map[string]bool            // mapper name -> exists
	roleMappings map[string]map[string]bool // user id -> role names
}

func newFakeKeycloak() *fakeKeycloak {
	return &fakeKeycloak{
		realmRep: map[string]interface{}{
			"realm":       "crm-test",
			"displayName": "CRM Test",
			"enabled":     true,
		},
		roles:        map[string]string{},
		users:        map[string]map[string]interface{}{},
		mappers:      map[string]bool{},
		roleMappings: map[string]map[string]bool{},
	}
}

func (f *fakeKeycloak) addClient(clientID string) {
	f.clients = append(f.clients, map[string]interface{}{
		"id":       fmt.Sprintf("client-%d", len(f.clients)+1),
		"clientId": clientID,
		"enabled":  true,
	})
}

func (f *fakeKeycloak) addRole(name string) {
	f.roles[name] = "role-" + name
}

func (f *fakeKeycloak) addUser(username string, attrs map[string]interface{}, roles ...string) string {
	f.userSeq++
	id := fmt.Sprintf("user-%d", f.userSeq)
	rep := map[string]interface{}{
		"id":       id,
		"username": username,
		"enabled":  true,
	}
	if attrs != nil {
		rep["attributes"] = attrs
	}
	f.users[id] = rep
	for _, role := range roles {
		if f.roleMappings[id] == nil {
			f.roleMappings[id] = map[string]bool{}
		}
		f.roleMappings[id][role] = true
	}
	return id
}

func (f *fakeKeycloak) findUser(username string) (string, map[string]interface{}) {
	for id, rep := range f.users {
		if rep["username"] == username {
			return id, rep
		}
	}
	return "", nil
}

func (f *fakeKeycloak) handler() http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("POST /realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"access_token": "admin-token", "expires_in": 300})
	})

	mux.HandleFunc("GET /admin/realms/crm-test", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, f.realmRep)
	})
	mux.HandleFunc("PUT /admin/realms/crm-test", func(w http.ResponseWriter, r *http.Request) {
		var rep map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&rep)
		f.realmRep = rep
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /admin/realms/crm-test/clients", func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("clientId")
		var out []map[string]interface{}
		for _, c := range f.clients {
			if filter == "" || c["clientId"] == filter {
				out = append(out, c)
			}
		}
		if out == nil {
			out = []map[string]interface{}{}
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("GET /admin/realms/crm-test/clients/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range f.clients {
			if c["id"] == r.PathValue("uuid") {
				writeJSON(w, c)
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("PUT /admin/realms/crm-test/clients/{uuid}", func(w http.ResponseWriter, r *http.Request) {
		var rep map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&rep)
		for i, c := range f.clients {
			if c["id"] == r.PathValue("uuid") {
				f.clients[i] = rep
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("POST /admin/realms/crm-test/clients/{uuid}/protocol-mappers/models", func(w http.ResponseWriter, r *http.Request) {
		var mapper map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&mapper)
		name, _ := mapper["name"].(string)
		if f.mappers[name] {
			http.Error(w, "mapper exists", http.StatusConflict)
			return
		}
		f.mappers[name] = true
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("POST /admin/realms/crm-test/roles", func(w http.ResponseWriter, r *http.Request) {
		var role map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&role)
		name, _ := role["name"].(string)
		if _, ok := f.roles[name]; ok {
			http.Error(w, "role exists", http.StatusConflict)
			return
		}
		f.addRole(name)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /admin/realms/crm-test/roles/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		id, ok := f.roles[name]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]interface{}{"id": id, "name": name})
	})
	mux.HandleFunc("DELETE /admin/realms/crm-test/roles/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if _, ok := f.roles[name]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		delete(f.roles, name)
		for _, mapped := range f.roleMappings {
			delete(mapped, name)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /admin/realms/crm-test/users", func(w http.ResponseWriter, r *http.Request) {
		username := r.URL.Query().Get("username")
		var out []map[string]interface{}
		for _, rep := range f.users {
			if username == "" || rep["username"] == username {
				out = append(out, rep)
			}
		}
		if out == nil {
			out = []map[string]interface{}{}
		}
		writeJSON(w, out)
	})
	mux.HandleFunc("POST /admin/realms/crm-test/users", func(w http.ResponseWriter, r *http.Request) {
		var rep map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&rep)
		username, _ := rep["username"].(string)
		if id, _ := f.findUser(username); id != "" {
			http.Error(w, "user exists", http.StatusConflict)
			return
		}
		attrs, _ := rep["attributes"].(map[string]interface{})
		id := f.addUser(username, attrs)
		w.Header().Set("Location", "http://"+r.Host+r.URL.Path+"/"+id)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /admin/realms/crm-test/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		rep, ok := f.users[r.PathValue("id")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rep)
	})
	mux.HandleFunc("PUT /admin/realms/crm-test/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := f.users[id]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var rep map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&rep)
		f.users[id] = rep
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /admin/realms/crm-test/users/{id}/role-mappings/realm", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var roles []map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&roles)
		if f.roleMappings[id] == nil {
			f.roleMappings[id] = map[string]bool{}
		}
		for _, role := range roles {
			if name, ok := role["name"].(string); ok {
				f.roleMappings[id][name] = true
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /admin/realms/crm-test/users/{id}/role-mappings/realm", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var roles []map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&roles)
		for _, role := range roles {
			if name, ok := role["name"].(string); ok {
				delete(f.roleMappings[id], name)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func testTarget() Target {
	return Target{
		Realm:    "crm-test",
		ClientID: "crm-web",
		NewRoles: []string{"super_admin", "company_admin"},
		OldRoles: []string{"owner_admin", "viewer"},
		Users: []UserSpec{
			{
				Username:   "office@test.com",
				Email:      "office@test.com",
				FirstName:  "Office",
				LastName:   "Admin",
				Password:   "pw12345678",
				Roles:      []string{"company_admin"},
				Attributes: map[string][]string{"company_id": {"1"}},
			},
		},
		Mapper: MapperSpec{Attribute: "company_id"},
		Policy: PolicySpec{
			AccessTokenLifespan:       900,
			SSOSessionIdleTimeout:     1800,
			SSOSessionMaxLifespan:     43200,
			OfflineSessionIdleTimeout: 2592000,
			PasswordPolicy:            "length(8) and notUsername",
			BruteForceProtected:       true,
			FailureFactor:             5,
			MaxFailureWaitSeconds:     900,
		},
		LegacyCleanup: &LegacyCleanupSpec{
			Username:   "legacy@test.com",
			Password:   "legacypw",
			AssignRole: "company_admin",
			RemoveRole: "owner_admin",
			Attributes: map[string][]string{"company_id": {"1"}},
		},
	}
}

func newTestProvisioner(t *testing.T, fake *fakeKeycloak, target Target) (*Provisioner, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	kc := keycloak.NewClient(keycloak.Config{
		BaseURL:  srv.URL,
		Username: "admin",
		Password: "admin",
	}, logr.Discard())

	var buf bytes.Buffer
	return New(kc, target, logr.Discard(), NewReport(&buf)), &buf
}

func TestRunConvergesRealm(t *testing.T) {
	fake := newFakeKeycloak()
	fake.addClient("crm-web")
	fake.addRole("owner_admin")
	legacyID := fake.addUser("legacy@test.com", map[string]interface{}{"dept": []interface{}{"eng"}}, "owner_admin")

	p, out := newTestProvisioner(t, fake, testTarget())
	require.NoError(t, p.Run(context.Background()))

	// Role set converged: new roles present, old ones gone.
	assert.Contains(t, fake.roles, "super_admin")
	assert.Contains(t, fake.roles, "company_admin")
	assert.NotContains(t, fake.roles, "owner_admin")
	assert.NotContains(t, fake.roles, "viewer")

	// User provisioned with role and attribute.
	userID, rep := fake.findUser("office@test.com")
	require.NotEmpty(t, userID)
	assert.True(t, fake.roleMappings[userID]["company_admin"])
	attrs := rep["attributes"].(map[string]interface{})
	assert.Equal(t, []interface{}{"1"}, toIfaceSlice(attrs["company_id"]))

	// Protocol mapper attached.
	assert.True(t, fake.mappers["company_id"])

	// Client flags set on the stored representation.
	assert.Equal(t, true, fake.clients[0]["fullScopeAllowed"])
	assert.Equal(t, true, fake.clients[0]["directAccessGrantsEnabled"])
	assert.Equal(t, true, fake.clients[0]["publicClient"])

	// Realm policy overlaid without losing unrelated fields.
	assert.Equal(t, "CRM Test", fake.realmRep["displayName"])
	assert.Equal(t, float64(900), toFloat(fake.realmRep["accessTokenLifespan"]))
	assert.Equal(t, "length(8) and notUsername", fake.realmRep["passwordPolicy"])
	assert.Equal(t, true, fake.realmRep["bruteForceProtected"])

	// Legacy user migrated: new role on, old mapping off, attributes merged.
	assert.True(t, fake.roleMappings[legacyID]["company_admin"])
	assert.False(t, fake.roleMappings[legacyID]["owner_admin"])
	legacyAttrs := fake.users[legacyID]["attributes"].(map[string]interface{})
	assert.Equal(t, []interface{}{"eng"}, toIfaceSlice(legacyAttrs["dept"]), "unrelated attribute keys must survive the merge")
	assert.Equal(t, []interface{}{"1"}, toIfaceSlice(legacyAttrs["company_id"]))

	assert.Contains(t, out.String(), "company_admin")
}

func TestRunIsIdempotent(t *testing.T) {
	fake := newFakeKeycloak()
	fake.addClient("crm-web")

	p, _ := newTestProvisioner(t, fake, testTarget())
	require.NoError(t, p.Run(context.Background()))

	rolesAfterFirst := len(fake.roles)
	usersAfterFirst := len(fake.users)

	// Second run hits 409 on every create and 404 on every delete; none of
	// that may abort the run or change the end state.
	p2, out := newTestProvisioner(t, fake, testTarget())
	require.NoError(t, p2.Run(context.Background()))

	assert.Equal(t, rolesAfterFirst, len(fake.roles))
	assert.Equal(t, usersAfterFirst, len(fake.users))
	assert.Contains(t, out.String(), "already exists")
	assert.Contains(t, out.String(), "already absent")
}

func TestRunFatalWhenClientMissing(t *testing.T) {
	fake := newFakeKeycloak() // no client registered

	p, _ := newTestProvisioner(t, fake, testTarget())
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crm-web")

	// No later step may have executed.
	assert.Empty(t, fake.roles)
	assert.Empty(t, fake.users)
	assert.Empty(t, fake.mappers)
}

func TestLegacyRoleMappingRemovedWhileRoleExists(t *testing.T) {
	fake := newFakeKeycloak()
	fake.addClient("crm-web")
	fake.addRole("owner_admin")
	legacyID := fake.addUser("legacy@test.com", nil, "owner_admin")

	// Keep owner_admin out of the delete list so the role still resolves
	// when the cleanup step runs.
	target := testTarget()
	target.OldRoles = []string{"viewer"}

	p, _ := newTestProvisioner(t, fake, target)
	require.NoError(t, p.Run(context.Background()))

	assert.Contains(t, fake.roles, "owner_admin")
	assert.False(t, fake.roleMappings[legacyID]["owner_admin"], "legacy mapping should be removed explicitly")
	assert.True(t, fake.roleMappings[legacyID]["company_admin"])
}

func TestRunSkipsAbsentLegacyUser(t *testing.T) {
	fake := newFakeKeycloak()
	fake.addClient("crm-web")

	target := testTarget()
	target.LegacyCleanup.Username = "ghost@test.com"

	p, out := newTestProvisioner(t, fake, target)
	require.NoError(t, p.Run(context.Background()))
	assert.Contains(t, out.String(), "not found (skip)")
}

func toIfaceSlice(v interface{}) []interface{} {
	switch val := v.(type) {
	case []interface{}:
		return val
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}
	return nil
}

func toFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return -1
}
