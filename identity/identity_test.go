package identity

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/senacrud/crudauth/apperr"
	"github.com/senacrud/crudauth/models"
	"github.com/senacrud/crudauth/store"
)

// memStore is an in-memory UserStore and RoleStore.
type memStore struct {
	mu      sync.Mutex
	users   []*models.User
	roles   map[string]models.Role
	nextID  int64
	saves   int
	findErr error
	saveErr error
	probes  []string
}

func newMemStore() *memStore {
	return &memStore{roles: map[string]models.Role{
		models.RoleAdmin:  {ID: 1, Name: models.RoleAdmin},
		models.RoleStaff:  {ID: 2, Name: models.RoleStaff},
		models.RoleClient: {ID: 3, Name: models.RoleClient},
	}}
}

func (m *memStore) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, models.ErrUserNotFound
}

func (m *memStore) ExistsByUsername(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, username)
	for _, u := range m.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) SaveUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	if user.ID == 0 {
		m.nextID++
		user.ID = m.nextID
		cp := *user
		m.users = append(m.users, &cp)
		return nil
	}
	for i, u := range m.users {
		if u.ID == user.ID {
			cp := *user
			m.users[i] = &cp
		}
	}
	return nil
}

func (m *memStore) FindRoleByName(_ context.Context, name string) (*models.Role, error) {
	r, ok := m.roles[name]
	if !ok {
		return nil, models.ErrRoleNotFound
	}
	return &r, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newReconciler(m *memStore) *Reconciler {
	return &Reconciler{
		Users:       m,
		Roles:       m,
		Hasher:      BcryptHasher{Cost: bcrypt.MinCost},
		DefaultRole: models.RoleClient,
		Logger:      quietLogger(),
	}
}

func TestNewUserInfo(t *testing.T) {
	attrs := map[string]any{
		"sub":     "123",
		"name":    "Ana Gomez",
		"email":   "ana@x.com",
		"picture": "https://img/ana.png",
	}
	for _, provider := range []string{"google", "Google", " GOOGLE "} {
		info, err := NewUserInfo(provider, attrs)
		require.NoError(t, err, provider)
		assert.Equal(t, "123", info.ID())
		assert.Equal(t, "Ana Gomez", info.Name())
		assert.Equal(t, "ana@x.com", info.Email())
		assert.Equal(t, "https://img/ana.png", info.ImageURL())
	}

	_, err := NewUserInfo("github", attrs)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrOAuth2Processing)
	assert.Equal(t, "Sorry! Login with github is not supported yet.", apperr.Message(err))
	assert.False(t, SupportedProvider("github"))
	assert.True(t, SupportedProvider("GOOGLE"))
}

func TestGoogleUserInfo_MissingAttributes(t *testing.T) {
	info := GoogleUserInfo{Attributes: map[string]any{"sub": 123.0}}
	assert.Equal(t, "123", info.ID())
	assert.Equal(t, "", info.Email())
	assert.Equal(t, "", GoogleUserInfo{}.Name())
}

func TestBaseUsername(t *testing.T) {
	tests := map[string]string{
		"ana@x.com":          "ana",
		"ana.maria@x.com":    "anamaria",
		"Ana_M-99@x.com":     "AnaM99",
		"ñandú@x.com":        "and",
		"..@x.com":           "user",
		"no-at-sign":         "noatsign",
		"first+tag@mail.com": "firsttag",
	}
	for in, want := range tests {
		assert.Equal(t, want, BaseUsername(in), in)
	}
}

func TestReconcile_NewUser(t *testing.T) {
	m := newMemStore()
	r := newReconciler(m)

	u, err := r.Reconcile(context.Background(), models.ExternalIdentity{
		Provider: "google", ProviderUserID: "123", Name: "Ana Gomez", Email: "ana@x.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ana", u.FirstName)
	assert.Equal(t, "Gomez", u.LastName)
	assert.Equal(t, "ana", u.Username)
	assert.Equal(t, "ana@x.com", u.Email)
	assert.True(t, u.Enabled)
	assert.False(t, u.AccountLocked)
	assert.True(t, u.ExternalAuth)
	assert.Equal(t, []string{models.RoleClient}, u.RoleNames())
	assert.NotEmpty(t, u.Password)
	assert.True(t, strings.HasPrefix(u.Password, "$2"), "placeholder must be a bcrypt hash")
	assert.Len(t, m.users, 1)
}

func TestReconcile_ExistingUser(t *testing.T) {
	m := newMemStore()
	r := newReconciler(m)
	ctx := context.Background()
	ext := models.ExternalIdentity{Provider: "google", ProviderUserID: "123", Name: "Ana Gomez", Email: "ana@x.com"}

	first, err := r.Reconcile(ctx, ext)
	require.NoError(t, err)

	ext.Name = "Anita"
	second, err := r.Reconcile(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "ana", second.Username)
	assert.Equal(t, "Anita", second.FirstName)
	assert.Equal(t, "", second.LastName)
	assert.Len(t, m.users, 1)
}

func TestReconcile_UsernameSuffix(t *testing.T) {
	m := newMemStore()
	m.users = []*models.User{
		{ID: 1, Username: "ana", Email: "ana@other.com"},
		{ID: 2, Username: "ana1", Email: "ana@third.com"},
	}
	m.nextID = 2
	r := newReconciler(m)

	u, err := r.Reconcile(context.Background(), models.ExternalIdentity{Name: "Ana", Email: "ana@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "ana2", u.Username)
	assert.Equal(t, []string{"ana", "ana1", "ana2"}, m.probes)
}

func TestReconcile_LongLocalPart(t *testing.T) {
	m := newMemStore()
	long := strings.Repeat("a", 30)
	m.users = []*models.User{{ID: 1, Username: strings.Repeat("a", MaxUsernameLength), Email: "taken@x.com"}}
	m.nextID = 1
	r := newReconciler(m)

	u, err := r.Reconcile(context.Background(), models.ExternalIdentity{Name: "A", Email: long + "@x.com"})
	require.NoError(t, err)
	assert.Len(t, u.Username, MaxUsernameLength)
	assert.Equal(t, strings.Repeat("a", MaxUsernameLength-1)+"1", u.Username)
}

func TestReconcile_BlankName(t *testing.T) {
	r := newReconciler(newMemStore())
	u, err := r.Reconcile(context.Background(), models.ExternalIdentity{Email: "x@y.com"})
	require.NoError(t, err)
	assert.Equal(t, "Usuario", u.FirstName)
	assert.Equal(t, "", u.LastName)
}

func TestReconcile_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("blank email", func(t *testing.T) {
		m := newMemStore()
		_, err := newReconciler(m).Reconcile(ctx, models.ExternalIdentity{Name: "Ana", Email: "  "})
		assert.ErrorIs(t, err, apperr.ErrOAuth2Processing)
		assert.Equal(t, "Email not found from OAuth2 provider", apperr.Message(err))
		assert.Empty(t, m.users)
	})

	t.Run("missing default role", func(t *testing.T) {
		m := newMemStore()
		r := newReconciler(m)
		r.DefaultRole = "ROLE_GHOST"
		_, err := r.Reconcile(ctx, models.ExternalIdentity{Email: "ana@x.com"})
		assert.ErrorIs(t, err, apperr.ErrAuthService)
		assert.ErrorIs(t, err, models.ErrRoleNotFound)
	})

	t.Run("store failure is wrapped", func(t *testing.T) {
		m := newMemStore()
		boom := errors.New("connection reset")
		m.findErr = boom
		_, err := newReconciler(m).Reconcile(ctx, models.ExternalIdentity{Email: "ana@x.com"})
		assert.ErrorIs(t, err, apperr.ErrAuthService)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "Authentication service error", apperr.Message(err))
	})

	t.Run("save failure is wrapped", func(t *testing.T) {
		m := newMemStore()
		m.saveErr = errors.New("disk full")
		_, err := newReconciler(m).Reconcile(ctx, models.ExternalIdentity{Email: "ana@x.com"})
		assert.ErrorIs(t, err, apperr.ErrAuthService)
	})
}

func TestReconcile_SQLStore(t *testing.T) {
	db, err := store.OpenFromConfig("", filepath.Join(t.TempDir(), "id.db"), "sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	s := store.New(db)

	r := &Reconciler{Users: s, Roles: s, Hasher: BcryptHasher{Cost: bcrypt.MinCost}, DefaultRole: models.RoleClient, Logger: quietLogger()}
	ctx := context.Background()
	ext := models.ExternalIdentity{Provider: "google", ProviderUserID: "123", Name: "Ana Gomez", Email: "ana@x.com"}

	u1, err := r.Reconcile(ctx, ext)
	require.NoError(t, err)
	u2, err := r.Reconcile(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, "ana", u2.Username)

	other, err := r.Reconcile(ctx, models.ExternalIdentity{Name: "Ana B", Email: "ana@y.com"})
	require.NoError(t, err)
	assert.Equal(t, "ana1", other.Username)

	stored, err := s.FindUserByUsername(ctx, "ana1")
	require.NoError(t, err)
	assert.True(t, stored.ExternalAuth)
	assert.Equal(t, []string{models.RoleClient}, stored.RoleNames())
}

func TestBcryptHasher(t *testing.T) {
	h, err := BcryptHasher{}.Encode("pw")
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(h))
	require.NoError(t, err)
	assert.Equal(t, models.BcryptCost, cost)
}
