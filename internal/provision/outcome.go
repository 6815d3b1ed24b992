package provision

import "github.com/crm-platform/keycloak-setup/internal/keycloak"

// Outcome classifies the result of one idempotent provisioning call, so the
// recipe pattern-matches on meaning instead of re-deriving it from raw status
// codes at every call site.
type Outcome int

const (
	// OutcomeCreated means the entity was created by this run.
	OutcomeCreated Outcome = iota
	// OutcomeAlreadyPresent means a create hit 409: the entity existed.
	OutcomeAlreadyPresent
	// OutcomeRemoved means the entity was deleted by this run.
	OutcomeRemoved
	// OutcomeAlreadyAbsent means a delete hit 404: nothing to remove.
	OutcomeAlreadyAbsent
	// OutcomeUpdated means an existing entity was modified.
	OutcomeUpdated
	// OutcomeFailed is any other non-success; the run continues unless the
	// step's output is needed downstream.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyPresent:
		return "already exists"
	case OutcomeRemoved:
		return "removed"
	case OutcomeAlreadyAbsent:
		return "already absent"
	case OutcomeUpdated:
		return "updated"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Desired reports whether the outcome leaves the entity in the desired state.
func (o Outcome) Desired() bool {
	return o != OutcomeFailed
}

// classifyCreate maps a create error: 409 is the idempotent no-op.
func classifyCreate(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCreated
	case keycloak.IsConflict(err):
		return OutcomeAlreadyPresent
	default:
		return OutcomeFailed
	}
}

// classifyDelete maps a delete error: 404 is the idempotent no-op.
func classifyDelete(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeRemoved
	case keycloak.IsNotFound(err):
		return OutcomeAlreadyAbsent
	default:
		return OutcomeFailed
	}
}

// classifyUpdate maps a plain update error.
func classifyUpdate(err error) Outcome {
	if err == nil {
		return OutcomeUpdated
	}
	return OutcomeFailed
}
