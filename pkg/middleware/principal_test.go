package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/tenancy/pkg/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingAuthenticator struct{}

func (failingAuthenticator) Authenticate(context.Context, string) (*rbac.Principal, error) {
	return nil, errors.New("pq: connection reset")
}

// newStaffUser creates a globally staff user and returns it with a fresh token
func newStaffUser(t *testing.T, store *rbac.MemoryStore, username string) (*rbac.User, string) {
	t.Helper()
	u := &rbac.User{Username: username, IsActive: true, IsStaff: true}
	require.NoError(t, store.CreateUser(context.Background(), u))
	token, hash, prefix, err := rbac.GenerateToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateToken(context.Background(), u.ID, hash, prefix))
	return u, token
}

func principalHandler(seen **rbac.Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen, _ = rbac.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestPrincipalMiddleware(t *testing.T) {
	store := rbac.NewMemoryStore()
	resolver := rbac.NewResolver(store, rbac.ResolverOptions{Logger: quietLogger()})
	alice, token := newStaffUser(t, store, "alice")

	tests := []struct {
		name     string
		optional bool
		header   string
		status   int
		wantUser int64
	}{
		{"valid token", false, "Bearer " + token, http.StatusOK, alice.ID},
		{"lower-case scheme", false, "bearer " + token, http.StatusOK, alice.ID},
		{"missing header required", false, "", http.StatusUnauthorized, 0},
		{"missing header optional", true, "", http.StatusOK, 0},
		{"wrong scheme", true, "Basic dXNlcjpwYXNz", http.StatusUnauthorized, 0},
		{"unknown token", true, "Bearer tnc_doesnotexist", http.StatusUnauthorized, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *rbac.Principal
			h := Principal(resolver, AuthOptions{Optional: tt.optional, Logger: quietLogger()})(principalHandler(&seen))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.wantUser == 0 {
				assert.Nil(t, seen)
				return
			}
			require.NotNil(t, seen)
			assert.Equal(t, tt.wantUser, seen.ID)
		})
	}
}

func TestPrincipalMiddleware_StoreError(t *testing.T) {
	var seen *rbac.Principal
	h := Principal(failingAuthenticator{}, AuthOptions{Logger: quietLogger()})(principalHandler(&seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tnc_whatever")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.Nil(t, seen)
}

// Tenant, then Principal, then a staff guard: staff status is evaluated
// against the tenant the Host header resolved to.
func TestChain_StaffIsPerTenant(t *testing.T) {
	_, tenants, shop := shopFixture(t)
	store := rbac.NewMemoryStore()
	perms := rbac.NewResolver(store, rbac.ResolverOptions{Logger: quietLogger()})
	alice, token := newStaffUser(t, store, "alice")

	ctx := context.Background()
	_, err := perms.AddToTenant(ctx, alice.ID, shop.ID)
	require.NoError(t, err)
	require.NoError(t, perms.MakeStaff(ctx, alice.ID, shop.ID))

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Tenant(tenants, TenantOptions{Logger: quietLogger()})(
		Principal(perms, AuthOptions{Logger: quietLogger()})(
			rbac.RequireStaff(perms)(ok)))

	call := func(url string) int {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("https://shop.example.com/admin/"))
	assert.Equal(t, http.StatusForbidden, call("https://root.example.com/admin/"))
}
