package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"parley/internal/domain"
)

// Authenticator validates incoming connections.
type Authenticator interface {
	Authenticate(token string) error
}

// StaticTokenAuth compares against a single deployment token in
// constant time.
type StaticTokenAuth struct {
	token []byte
}

func NewStaticTokenAuth(token string) *StaticTokenAuth {
	return &StaticTokenAuth{token: []byte(token)}
}

func (a *StaticTokenAuth) Authenticate(token string) error {
	if len(a.token) == 0 {
		return domain.NewDomainError("StaticTokenAuth.Authenticate", domain.ErrAccessDenied, "no token configured")
	}
	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return domain.NewDomainError("StaticTokenAuth.Authenticate", domain.ErrAccessDenied, "bad token")
	}
	return nil
}

// bearerToken extracts the token from ?token= or an Authorization
// Bearer header. Query wins; browser WebSocket clients cannot set
// headers.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// StoreOwnership derives thread ownership from the checkpointed
// UserID: the creator of a thread owns it, and an absent thread may be
// claimed by any authenticated caller.
type StoreOwnership struct {
	store domain.StateStore
}

var _ domain.ThreadAuthorizer = (*StoreOwnership)(nil)

func NewStoreOwnership(store domain.StateStore) *StoreOwnership {
	return &StoreOwnership{store: store}
}

func (o *StoreOwnership) Authorize(ctx context.Context, userID, threadID string) error {
	const op = "StoreOwnership.Authorize"
	cp, err := o.store.Load(ctx, threadID)
	if errors.Is(err, domain.ErrThreadNotFound) {
		return nil
	}
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if cp.State.UserID != userID {
		return domain.NewDomainError(op, domain.ErrAccessDenied, threadID)
	}
	return nil
}
