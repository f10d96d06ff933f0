// ABOUTME: Resolves join-handshake tokens to (participant id, capability set).
// ABOUTME: Static space tokens and JWT bearer tokens share one interface.

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/2389/space-gateway/internal/capability"
)

// ErrUnknownParticipant indicates a verified identity with no capability grant.
var ErrUnknownParticipant = errors.New("no capability grant for participant")

// Identity is what the gateway core consumes from a successful join:
// credential verification itself happens out here, not in the core.
type Identity struct {
	ParticipantID string
	Capabilities  *capability.Set
}

// Resolver turns a presented token into an Identity.
type Resolver interface {
	Resolve(token string) (*Identity, error)
}

// Grant pairs a participant's static token with its capability specs.
type Grant struct {
	ParticipantID string
	Token         string
	Capabilities  []capability.Spec
}

// StaticResolver resolves tokens against a fixed participant roster, the
// shape produced by space configuration. Capability sets compile once at
// construction so malformed patterns fail at startup, not at join.
type StaticResolver struct {
	byToken map[string]*Identity
	byID    map[string]*Identity
}

// NewStaticResolver compiles the roster's capability patterns.
func NewStaticResolver(grants []Grant) (*StaticResolver, error) {
	r := &StaticResolver{
		byToken: make(map[string]*Identity, len(grants)),
		byID:    make(map[string]*Identity, len(grants)),
	}
	for _, g := range grants {
		if g.ParticipantID == "" {
			return nil, errors.New("grant missing participant id")
		}
		set, err := capability.CompileSet(g.Capabilities)
		if err != nil {
			return nil, fmt.Errorf("participant %q: %w", g.ParticipantID, err)
		}
		id := &Identity{ParticipantID: g.ParticipantID, Capabilities: set}
		if g.Token != "" {
			r.byToken[g.Token] = id
		}
		r.byID[g.ParticipantID] = id
	}
	return r, nil
}

// Resolve matches the token in constant time against the roster.
func (r *StaticResolver) Resolve(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	for candidate, id := range r.byToken {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return id, nil
		}
	}
	return nil, ErrInvalidToken
}

// Lookup finds a roster identity by participant id.
func (r *StaticResolver) Lookup(participantID string) (*Identity, bool) {
	id, ok := r.byID[participantID]
	return id, ok
}

// JWTResolver verifies an HS256 token and maps its subject to the roster's
// capability grant. A valid token for an ungranted participant is refused.
type JWTResolver struct {
	verifier TokenVerifier
	roster   *StaticResolver
}

// NewJWTResolver combines a verifier with a capability roster.
func NewJWTResolver(verifier TokenVerifier, roster *StaticResolver) *JWTResolver {
	return &JWTResolver{verifier: verifier, roster: roster}
}

// Resolve verifies the JWT and looks up the subject's grant.
func (r *JWTResolver) Resolve(token string) (*Identity, error) {
	participantID, err := r.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	id, ok := r.roster.Lookup(participantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return id, nil
}

// ChainResolver tries resolvers in order, returning the first success.
type ChainResolver []Resolver

// Resolve walks the chain; the last resolver's error wins on total failure.
func (c ChainResolver) Resolve(token string) (*Identity, error) {
	var lastErr error = ErrInvalidToken
	for _, r := range c {
		id, err := r.Resolve(token)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
