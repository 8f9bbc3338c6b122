package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

type contextKey string

const (
	// IdentityContextKey is the key used to store/retrieve the caller identity from context
	IdentityContextKey contextKey = "identity"

	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
	QueryUserID    = "user_id"
	QueryUserName  = "user_name"
)

var ErrMissingIdentity = errors.New("identity: user id is missing")

// IdentityResolver extracts the caller identity from an HTTP request.
type IdentityResolver interface {
	Resolve(r *http.Request) (model.Identity, error)
}

// HeaderResolver trusts the identity set by the authenticating proxy in front
// of the service, falling back to query parameters for browser clients that
// cannot set headers on a WebSocket upgrade.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (model.Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
	name := r.Header.Get(HeaderUserName)
	if raw == "" {
		raw = r.URL.Query().Get(QueryUserID)
		name = r.URL.Query().Get(QueryUserName)
	}
	if raw == "" {
		return model.Identity{}, ErrMissingIdentity
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return model.Identity{}, err
	}
	return model.Identity{ID: id, Name: name}, nil
}

// NewIdentityMiddleware rejects requests without a resolvable identity.
func NewIdentityMiddleware(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// [PRE_AUTH] Validate identity before the upgrade happens
			identity, err := resolver.Resolve(r)
			if err != nil {
				http.Error(w, "authentication failed: "+err.Error(), http.StatusUnauthorized)
				return
			}

			// [ENRICHMENT] Inject the identity into the context for downstream handlers
			ctx := context.WithValue(r.Context(), IdentityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity is a helper to extract the identity from context safely.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(model.Identity)
	return identity, ok
}
