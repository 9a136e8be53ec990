package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Role distinguishes the two authenticated audiences of the billing API.
type Role string

const (
	RoleFan    Role = "fan"
	RoleArtist Role = "artist"
)

// Principal is the authenticated caller. Identity is established by the
// upstream auth proxy, which strips and re-sets these headers on every
// request; this module trusts them and only enforces role gating.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Role   Role
}

type principalKey struct{}

const (
	headerUserID    = "X-User-Id"
	headerUserEmail = "X-User-Email"
	headerUserRole  = "X-User-Role"
)

// withPrincipal extracts the caller identity from the trusted headers.
// Requests without a valid identity pass through anonymously; handlers
// that need one use requirePrincipal.
func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(headerUserID))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		role := Role(r.Header.Get(headerUserRole))
		if role != RoleFan && role != RoleArtist {
			next.ServeHTTP(w, r)
			return
		}
		p := &Principal{
			UserID: id,
			Email:  r.Header.Get(headerUserEmail),
			Role:   role,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}
