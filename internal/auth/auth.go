// Package auth defines the identity-verification capability. Token
// issuance is an external collaborator; this package only checks
// credentials presented on HTTP and WebSocket calls.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/edriveapp/dispatch/internal/apperrors"
	"github.com/edriveapp/dispatch/internal/models"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   models.Role
}

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// StaticVerifier maps pre-shared tokens to identities. Suitable for
// local runs and tests; production plugs in the real identity service.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

// Grant registers a credential. Tokens of the form "rider:<id>" or
// "driver:<id>" are also accepted implicitly by Verify so local clients
// need no setup step.
func (v *StaticVerifier) Grant(credential string, id Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[credential] = id
}

func (v *StaticVerifier) Verify(ctx context.Context, credential string) (Identity, error) {
	v.mu.RLock()
	id, ok := v.tokens[credential]
	v.mu.RUnlock()
	if ok {
		return id, nil
	}
	if role, user, found := strings.Cut(credential, ":"); found && user != "" {
		switch models.Role(role) {
		case models.RoleRider, models.RoleDriver:
			return Identity{UserID: user, Role: models.Role(role)}, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: unknown credential", apperrors.ErrUnauthenticated)
}
