package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/platinummonkey/tenancy/pkg/api"
	"github.com/platinummonkey/tenancy/pkg/config"
	"github.com/platinummonkey/tenancy/pkg/rbac"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Cache.FlushSchedule = ""
	cfg.Observability.OTelEnabled = false
	cfg.Redis.URL = ""
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := New(context.Background(), cfg, quietLogger(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

// seed creates root.example.com, shop.example.com and a superuser, and
// returns the superuser's token
func seed(t *testing.T, app *App) string {
	t.Helper()
	ctx := context.Background()
	_, err := app.Tenants().CreateRootTenant(ctx, "root.example.com", "Root")
	require.NoError(t, err)
	_, err = app.Tenants().CreateTenant(ctx, tenancy.CreateTenantRequest{Domain: "shop.example.com", Name: "Shop"})
	require.NoError(t, err)

	store := app.Permissions().Store()
	admin := &rbac.User{Username: "admin", IsActive: true, IsSuperuser: true}
	require.NoError(t, store.CreateUser(ctx, admin))
	token, hash, prefix, err := rbac.GenerateToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateToken(ctx, admin.ID, hash, prefix))
	return token
}

func request(method, url, token string, secure bool) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	if secure {
		req.TLS = &tls.ConnectionState{}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_AdminPipeline(t *testing.T) {
	app := newApp(t, testConfig(t))
	token := seed(t, app)
	h := app.Handler()

	t.Run("insecure admin request is redirected", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "http://shop.example.com/admin/api/v1/tenants", "", false))
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://shop.example.com/admin/api/v1/tenants", rec.Header().Get("Location"))
	})

	t.Run("anonymous request is refused", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://shop.example.com/admin/api/v1/groups", "", true))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad token is refused", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://shop.example.com/admin/api/v1/groups", "tnc_bogus", true))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("root site admin is rewritten to the super-admin surface", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://root.example.com/admin/api/v1/tenants", token, true))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var tenants []tenancy.Tenant
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&tenants))
		assert.Len(t, tenants, 2)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("site admin is served on its own prefix", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://shop.example.com/admin/api/v1/groups", token, true))
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("super-admin surface is hidden from other sites", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://shop.example.com/root/api/v1/tenants", token, true))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown host", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://nowhere.example.com/", "", true))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"site not found"}`, rec.Body.String())
	})

	t.Run("created site resolves immediately", func(t *testing.T) {
		rec := serve(h, request(http.MethodGet, "https://blog.example.com/", "", true))
		require.Equal(t, http.StatusNotFound, rec.Code)

		_, err := app.Tenants().CreateTenant(context.Background(), tenancy.CreateTenantRequest{Domain: "blog.example.com", Name: "Blog"})
		require.NoError(t, err)

		rec = serve(h, request(http.MethodGet, "https://blog.example.com/nothing", "", true))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"not found"}`, rec.Body.String())
	})
}

func TestApp_SiteAdminCannotReachOtherTenants(t *testing.T) {
	app := newApp(t, testConfig(t))
	superToken := seed(t, app)
	h := app.Handler()
	ctx := context.Background()

	root, err := app.Tenants().RootTenant(ctx)
	require.NoError(t, err)
	shop, err := app.Tenants().GetByDomain(ctx, "shop.example.com")
	require.NoError(t, err)
	shopCtx := tenancy.WithTenant(ctx, shop, tenancy.MatchHostname)

	// a shop manager holding delete_tenant only through a shop tenant group
	store := app.Permissions().Store()
	deleters := &rbac.Group{Name: "deleters", Permissions: []rbac.Permission{api.PermDeleteTenant, api.PermViewTenant}}
	require.NoError(t, store.CreateGroup(ctx, deleters))
	tg := &rbac.TenantGroup{Name: "Shop Managers", GroupID: deleters.ID}
	require.NoError(t, app.Permissions().TenantGroups().Create(shopCtx, tg))
	manager := &rbac.User{Username: "manager", IsActive: true}
	require.NoError(t, store.CreateUser(ctx, manager))
	require.NoError(t, store.AddMembership(ctx, &rbac.Membership{TenantID: shop.ID, UserID: manager.ID, IsActive: true}))
	require.NoError(t, store.AddUserToTenantGroup(shopCtx, manager.ID, tg.ID))
	token, hash, prefix, err := rbac.GenerateToken()
	require.NoError(t, err)
	require.NoError(t, store.CreateToken(ctx, manager.ID, hash, prefix))

	rootURL := fmt.Sprintf("https://shop.example.com/admin/api/v1/tenants/%d", root.ID)
	shopURL := fmt.Sprintf("https://shop.example.com/admin/api/v1/tenants/%d", shop.ID)

	rec := serve(h, request(http.MethodGet, shopURL, token, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, tok := range []string{token, superToken} {
		rec = serve(h, request(http.MethodDelete, rootURL, tok, true))
		assert.Contains(t, []int{http.StatusNotFound, http.StatusForbidden}, rec.Code, rec.Body.String())
		rec = serve(h, request(http.MethodGet, rootURL, tok, true))
		assert.Contains(t, []int{http.StatusNotFound, http.StatusForbidden}, rec.Code, rec.Body.String())
		rec = serve(h, request(http.MethodPost, "https://shop.example.com/admin/api/v1/cache/clear", tok, true))
		assert.Contains(t, []int{http.StatusNotFound, http.StatusForbidden}, rec.Code, rec.Body.String())
	}
	rec = serve(h, request(http.MethodDelete, shopURL, token, true))
	assert.Contains(t, []int{http.StatusNotFound, http.StatusForbidden}, rec.Code, rec.Body.String())

	got, err := app.Tenants().RootTenant(ctx)
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ID)
	_, err = app.Tenants().GetTenant(ctx, shop.ID)
	assert.NoError(t, err)

	// the manager's grant does not carry over to the root site either
	rootAdminURL := fmt.Sprintf("https://root.example.com/admin/api/v1/tenants/%d", shop.ID)
	rec = serve(h, request(http.MethodDelete, rootAdminURL, token, true))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApp_OpsHandler(t *testing.T) {
	app := newApp(t, testConfig(t))
	seed(t, app)

	serve(app.Handler(), request(http.MethodGet, "http://shop.example.com/admin/", "", false))

	rec := serve(app.OpsHandler(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(app.OpsHandler(), httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(app.OpsHandler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tenancy_redirects_total{reason="insecure"} 1`)
	assert.Contains(t, rec.Body.String(), "tenancy_http_requests_total")
}

func TestApp_MetricsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.MetricsEnabled = false
	app := newApp(t, cfg)

	rec := serve(app.OpsHandler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_RateLimitPerTenant(t *testing.T) {
	tests := []struct {
		name  string
		redis bool
	}{
		{name: "memory"},
		{name: "redis", redis: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.RateLimit.Enabled = true
			cfg.RateLimit.RequestsPerMinute = 1
			cfg.RateLimit.Burst = 0
			if tt.redis {
				mr := miniredis.RunT(t)
				cfg.Redis.URL = "redis://" + mr.Addr()
			}
			app := newApp(t, cfg)
			seed(t, app)
			h := app.Handler()

			rec := serve(h, request(http.MethodGet, "https://shop.example.com/", "", true))
			assert.Equal(t, http.StatusNotFound, rec.Code)
			rec = serve(h, request(http.MethodGet, "https://shop.example.com/", "", true))
			assert.Equal(t, http.StatusTooManyRequests, rec.Code)

			// other tenants have their own budget
			rec = serve(h, request(http.MethodGet, "https://root.example.com/", "", true))
			assert.Equal(t, http.StatusNotFound, rec.Code)
		})
	}
}

func TestApp_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	app := newApp(t, cfg)
	seed(t, app)

	rec := serve(app.OpsHandler(), httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis"`)

	// the invalidation listener is subscribed
	assert.Contains(t, mr.PubSubChannels(""), tenancy.DefaultInvalidationChannel)
}

func TestNew_InvalidDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"

	_, err := New(context.Background(), cfg, quietLogger(), "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported storage driver "sqlite"`)
}
