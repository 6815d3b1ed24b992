package provision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crm-platform/keycloak-setup/internal/keycloak"
)

func TestClassifyCreate(t *testing.T) {
	assert.Equal(t, OutcomeCreated, classifyCreate(nil))
	assert.Equal(t, OutcomeAlreadyPresent, classifyCreate(&keycloak.APIError{StatusCode: 409}))
	assert.Equal(t, OutcomeFailed, classifyCreate(&keycloak.APIError{StatusCode: 500}))
	assert.Equal(t, OutcomeFailed, classifyCreate(errors.New("connection refused")))
}

func TestClassifyDelete(t *testing.T) {
	assert.Equal(t, OutcomeRemoved, classifyDelete(nil))
	assert.Equal(t, OutcomeAlreadyAbsent, classifyDelete(&keycloak.APIError{StatusCode: 404}))
	assert.Equal(t, OutcomeFailed, classifyDelete(&keycloak.APIError{StatusCode: 403}))
}

func TestClassifyUpdate(t *testing.T) {
	assert.Equal(t, OutcomeUpdated, classifyUpdate(nil))
	assert.Equal(t, OutcomeFailed, classifyUpdate(&keycloak.APIError{StatusCode: 400}))
}

func TestOutcomeDesired(t *testing.T) {
	for _, o := range []Outcome{OutcomeCreated, OutcomeAlreadyPresent, OutcomeRemoved, OutcomeAlreadyAbsent, OutcomeUpdated} {
		assert.True(t, o.Desired(), o.String())
	}
	assert.False(t, OutcomeFailed.Desired())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "created", OutcomeCreated.String())
	assert.Equal(t, "already exists", OutcomeAlreadyPresent.String())
	assert.Equal(t, "already absent", OutcomeAlreadyAbsent.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
