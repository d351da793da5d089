package accounts

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/senacrud/crudauth/apigateway"
	"github.com/senacrud/crudauth/models"
	"github.com/senacrud/crudauth/social"
	"github.com/senacrud/crudauth/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeCounter struct {
	mu   sync.Mutex
	data map[string]map[string]int64
}

func (f *fakeCounter) HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[string]map[string]int64{}
	}
	if f.data[key] == nil {
		f.data[key] = map[string]int64{}
	}
	f.data[key][field] += incr
	cmd := redis.NewIntCmd(ctx, "hincrby", key, field, incr)
	cmd.SetVal(f.data[key][field])
	return cmd
}

func (f *fakeCounter) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for ip, n := range f.data[key] {
		out[ip] = strconv.FormatInt(n, 10)
	}
	cmd := redis.NewMapStringStringCmd(ctx, "hgetall", key)
	cmd.SetVal(out)
	return cmd
}

type testEnv struct {
	app     *fiber.App
	svc     *Service
	store   *store.Store
	counter *fakeCounter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := store.OpenFromConfig("", filepath.Join(t.TempDir(), "accounts.db"), "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	st := store.New(db)

	auth, err := gateway.NewJWTAuth(gateway.TokenConfig{Secret: testSecret, TTL: time.Hour, Issuer: "test"}, logger)
	require.NoError(t, err)
	relay, err := social.NewCookieRelay(social.RelayConfig{Secret: testSecret}, logger)
	require.NoError(t, err)

	counter := &fakeCounter{}
	svc := &Service{
		Store:             st,
		Auth:              auth,
		Relay:             relay,
		Audit:             &LoginAudit{Redis: counter, Logger: logger},
		MaxFailedAttempts: 3,
		Logger:            logger,
	}
	app := fiber.New()
	svc.Routes(app)
	return &testEnv{app: app, svc: svc, store: st, counter: counter}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (e *testEnv) signup(t *testing.T, username, email string) int64 {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/auth/signup", SignupRequest{
		FirstName: "Ana", LastName: "Gomez", Username: username, Email: email, Password: "Secret#123",
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	return int64(body["id"].(float64))
}

func signin(login, password string) SigninRequest {
	return SigninRequest{UsernameOrEmail: login, Password: password}
}

func TestSignup(t *testing.T) {
	env := newTestEnv(t)
	id := env.signup(t, "ana", "ana@x.com")
	assert.NotZero(t, id)

	user, err := env.store.FindUserByUsername(context.Background(), "ana")
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleClient}, user.RoleNames())
	assert.True(t, user.CheckPassword("Secret#123"))
	assert.False(t, user.ExternalAuth)

	tests := []struct {
		name string
		req  SignupRequest
		code int
		want string
	}{
		{"duplicate username", SignupRequest{FirstName: "A", Username: "ana", Email: "other@x.com", Password: "Secret#123"}, http.StatusConflict, "conflict"},
		{"duplicate email", SignupRequest{FirstName: "A", Username: "other", Email: "ANA@x.com", Password: "Secret#123"}, http.StatusConflict, "conflict"},
		{"weak password", SignupRequest{FirstName: "A", Username: "weak", Email: "weak@x.com", Password: "password"}, http.StatusBadRequest, "weak_password"},
		{"admin role", SignupRequest{FirstName: "A", Username: "boss", Email: "boss@x.com", Password: "Secret#123", Roles: []string{"admin"}}, http.StatusBadRequest, "validation_error"},
		{"bad email", SignupRequest{FirstName: "A", Username: "mail", Email: "not-an-email", Password: "Secret#123"}, http.StatusBadRequest, "validation_error"},
		{"long username", SignupRequest{FirstName: "A", Username: "abcdefghijklmnopqrstu", Email: "long@x.com", Password: "Secret#123"}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/auth/signup", tt.req, "")
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, tt.want, body["code"])
		})
	}
}

func TestSignup_StaffRole(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/auth/signup", SignupRequest{
		FirstName: "Sam", Username: "sam", Email: "sam@x.com", Password: "Secret#123", Roles: []string{"staff", "client", "staff"},
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	user, err := env.store.FindUserByUsername(context.Background(), "sam")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{models.RoleStaff, models.RoleClient}, user.RoleNames())
}

func TestSignup_EmptyBody(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/api/auth/signup", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty_body", body["code"])
}

func TestSignin(t *testing.T) {
	env := newTestEnv(t)
	id := env.signup(t, "ana", "ana@x.com")

	for _, login := range []string{"ana", "ana@x.com", "ANA@X.COM"} {
		resp, body := env.do(t, http.MethodPost, "/api/auth/signin", signin(login, "Secret#123"), "")
		require.Equal(t, http.StatusOK, resp.StatusCode, login)
		assert.Equal(t, "Bearer", body["type"])
		assert.Equal(t, "ana", body["username"])
		assert.Equal(t, float64(id), body["id"])
		assert.Equal(t, []any{models.RoleClient}, body["roles"])

		claims, err := env.svc.Auth.Parse(body["token"].(string))
		require.NoError(t, err)
		assert.Equal(t, "ana", claims.Subject)
		assert.Equal(t, id, claims.UserID)
	}

	counts, err := env.svc.Audit.Counts(context.Background(), "ana")
	require.NoError(t, err)
	var total int64
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, int64(3), total)

	resp, body := env.do(t, http.MethodPost, "/api/auth/signin", signin("nobody", "Secret#123"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "bad_credentials", body["code"])
}

func TestSignin_Lockout(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ana", "ana@x.com")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, body := env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Wrong#123"), "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "bad_credentials", body["code"])
	}
	user, err := env.store.FindUserByUsername(ctx, "ana")
	require.NoError(t, err)
	assert.True(t, user.AccountLocked)
	assert.Equal(t, 3, user.FailedAttempts)

	resp, body := env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Secret#123"), "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "account_locked", body["code"])

	client, err := env.svc.Auth.Issue("eve", &gateway.TokenClaims{Roles: []string{models.RoleClient}})
	require.NoError(t, err)
	resp, _ = env.do(t, http.MethodPost, "/api/admin/users/ana/unlock", nil, client)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/admin/users/ana/unlock", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin, err := env.svc.Auth.Issue("root", &gateway.TokenClaims{Roles: []string{models.RoleAdmin}})
	require.NoError(t, err)
	resp, _ = env.do(t, http.MethodPost, "/api/admin/users/ghost/unlock", nil, admin)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, body = env.do(t, http.MethodPost, "/api/admin/users/ana/unlock", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ana", body["username"])

	resp, _ = env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Secret#123"), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	user, err = env.store.FindUserByUsername(ctx, "ana")
	require.NoError(t, err)
	assert.False(t, user.AccountLocked)
	assert.Zero(t, user.FailedAttempts)
}

func TestSignin_ConcurrentFailuresLock(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ana", "ana@x.com")

	const guesses = 10
	raw, err := json.Marshal(signin("ana", "Wrong#123"))
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := 0; i < guesses; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/auth/signin", bytes.NewReader(raw))
			req.Header.Set("Content-Type", "application/json")
			resp, err := env.app.Test(req, -1)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			mu.Lock()
			codes[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, guesses, codes[http.StatusUnauthorized]+codes[http.StatusForbidden], "codes=%v", codes)
	user, err := env.store.FindUserByUsername(context.Background(), "ana")
	require.NoError(t, err)
	assert.True(t, user.AccountLocked)
	assert.GreaterOrEqual(t, user.FailedAttempts, 3)
	// every evaluated guess is counted
	assert.Equal(t, codes[http.StatusUnauthorized], user.FailedAttempts)
}

func TestSignin_SuccessResetsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ana", "ana@x.com")

	resp, _ := env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Wrong#123"), "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Secret#123"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	user, err := env.store.FindUserByUsername(context.Background(), "ana")
	require.NoError(t, err)
	assert.Zero(t, user.FailedAttempts)
}

func TestSignin_ExternalAndDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	external := &models.User{FirstName: "Ana", Username: "ext", Email: "ext@x.com", Password: "placeholder", Enabled: true, ExternalAuth: true,
		Roles: []models.Role{{Name: models.RoleClient}}}
	require.NoError(t, external.HashPassword())
	require.NoError(t, env.store.SaveUser(ctx, external))

	disabled := &models.User{FirstName: "Dan", Username: "dan", Email: "dan@x.com", Password: "Secret#123",
		Roles: []models.Role{{Name: models.RoleClient}}}
	require.NoError(t, disabled.HashPassword())
	require.NoError(t, env.store.SaveUser(ctx, disabled))

	resp, body := env.do(t, http.MethodPost, "/api/auth/signin", signin("ext", "placeholder"), "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "external_account", body["code"])

	resp, body = env.do(t, http.MethodPost, "/api/auth/signin", signin("dan", "Secret#123"), "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "account_disabled", body["code"])
}

func TestMeAndSignout(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ana", "ana@x.com")
	_, body := env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Secret#123"), "")
	token := body["token"].(string)

	resp, body := env.do(t, http.MethodGet, "/api/auth/me", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := body["user"].(map[string]any)
	assert.Equal(t, "ana", user["username"])
	assert.NotContains(t, user, "password")

	resp, _ = env.do(t, http.MethodGet, "/api/auth/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/auth/signout", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared int
	for _, ck := range resp.Cookies() {
		if ck.Name == social.AuthRequestCookie || ck.Name == social.RedirectURICookie {
			assert.Empty(t, ck.Value)
			cleared++
		}
	}
	assert.Equal(t, 2, cleared)
}

func TestLoginHistory(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ana", "ana@x.com")
	env.do(t, http.MethodPost, "/api/auth/signin", signin("ana", "Secret#123"), "")

	admin, err := env.svc.Auth.Issue("root", &gateway.TokenClaims{Roles: []string{models.RoleAdmin}})
	require.NoError(t, err)
	resp, body := env.do(t, http.MethodGet, "/api/admin/users/ana/logins", nil, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ips := body["ips"].(map[string]any)
	assert.Len(t, ips, 1)
}

func TestLoginAudit_Nil(t *testing.T) {
	var a *LoginAudit
	a.Record(context.Background(), "ana", "1.2.3.4")
	counts, err := a.Counts(context.Background(), "ana")
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Nil(t, NewLoginAudit(nil, nil))
}

func TestValidatePassword(t *testing.T) {
	tests := map[string]bool{
		"Secret#123": true,
		"Aa1!aaaa":   true,
		"short1!A":   true,
		"Sh1!":       false,
		"password":   false,
		"PASSWORD1":  false,
		"Password!":  false,
		"password1!": false,
	}
	for pw, want := range tests {
		assert.Equal(t, want, validatePassword(pw), pw)
	}
}
