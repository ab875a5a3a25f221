package service

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/repository"
	"github.com/noah-isme/devspace-api/internal/security"
	"github.com/noah-isme/devspace-api/pkg/config"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
)

type fakeHasher struct {
	mu       sync.Mutex
	verifies int
}

func (h *fakeHasher) Hash(password string) (string, error) {
	return "hashed:" + password, nil
}

func (h *fakeHasher) Verify(password, hash string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return hash == "hashed:"+password
}

type memoryUserStore struct {
	mu        sync.Mutex
	users     map[string]*models.User
	createErr error
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{users: make(map[string]*models.User)}
}

func (m *memoryUserStore) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrDuplicateEmail
		}
		if existing.Username == user.Username {
			return repository.ErrDuplicateUsername
		}
	}
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	stored := *user
	m.users[user.ID] = &stored
	return nil
}

func (m *memoryUserStore) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			found := *user
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			found := *user
			return &found, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	found := *user
	return &found, nil
}

func (m *memoryUserStore) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[id]; ok {
		user.LastLoginAt = &ts
	}
	return nil
}

func (m *memoryUserStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	return nil
}

func (m *memoryUserStore) UpdateUsername(ctx context.Context, id, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username && user.ID != id {
			return nil, repository.ErrDuplicateUsername
		}
	}
	user, ok := m.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	user.Username = username
	user.UpdatedAt = time.Now().UTC()
	found := *user
	return &found, nil
}

func (m *memoryUserStore) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id].Active = active
}

// memoryTokenStore mirrors the conditional-update semantics of the SQL store.
type memoryTokenStore struct {
	mu        sync.Mutex
	byHash    map[string]*models.RefreshToken
	revokeErr error
}

func newMemoryTokenStore() *memoryTokenStore {
	return &memoryTokenStore{byHash: make(map[string]*models.RefreshToken)}
}

func (m *memoryTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *token
	m.byHash[token.TokenHash] = &stored
	return nil
}

func (m *memoryTokenStore) FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byHash[hash]
	if !ok {
		return nil, sql.ErrNoRows
	}
	found := *token
	return &found, nil
}

func (m *memoryTokenStore) RevokeSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error) {
	return m.revokeWhere(at, func(t *models.RefreshToken) bool {
		return t.UserID == userID && t.SessionID == sessionID
	}), nil
}

func (m *memoryTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	if m.revokeErr != nil {
		return 0, m.revokeErr
	}
	return m.revokeWhere(at, func(t *models.RefreshToken) bool { return t.UserID == userID }), nil
}

func (m *memoryTokenStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RefreshToken
	for _, token := range m.byHash {
		if token.UserID == userID && token.Usable(now) {
			out = append(out, *token)
		}
	}
	return out, nil
}

func (m *memoryTokenStore) Rotate(ctx context.Context, oldHash string, now time.Time, next *models.RefreshToken) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.byHash[oldHash]
	if !ok || !old.Usable(now) || old.UserID != next.UserID || old.SessionID != next.SessionID {
		return nil, repository.ErrTokenInactive
	}
	old.RevokedAt = &now
	stored := *next
	m.byHash[next.TokenHash] = &stored
	found := *old
	return &found, nil
}

func (m *memoryTokenStore) revokeWhere(at time.Time, match func(*models.RefreshToken) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, token := range m.byHash {
		if token.RevokedAt == nil && match(token) {
			revokedAt := at
			token.RevokedAt = &revokedAt
			n++
		}
	}
	return n
}

func (m *memoryTokenStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (m *memoryAudit) Create(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs))
	for _, log := range m.logs {
		out = append(out, log.Action)
	}
	return out
}

type memoryDenylist struct {
	mu     sync.Mutex
	denied map[string]time.Duration
}

func (m *memoryDenylist) Deny(ctx context.Context, jti string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied == nil {
		m.denied = make(map[string]time.Duration)
	}
	m.denied[jti] = ttl
	return nil
}

func (m *memoryDenylist) IsDenied(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.denied[jti]
	return ok, nil
}

type memoryAttempts struct {
	mu       sync.Mutex
	failures map[string]int
}

func (m *memoryAttempts) Failures(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[key], nil
}

func (m *memoryAttempts) RegisterFailure(ctx context.Context, key string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[key]++
	return m.failures[key], nil
}

func (m *memoryAttempts) Reset(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, key)
	return nil
}

type authFixture struct {
	svc      *AuthService
	users    *memoryUserStore
	tokens   *memoryTokenStore
	audit    *memoryAudit
	denylist *memoryDenylist
	attempts *memoryAttempts
	hasher   *fakeHasher
	issuer   *security.TokenManager
}

var testJWTConfig = config.JWTConfig{
	AccessSecret:  "test-access-secret",
	RefreshSecret: "test-refresh-secret",
	AccessTTL:     15 * time.Minute,
	RefreshTTL:    24 * time.Hour,
	Issuer:        "devspace-api",
	Audience:      []string{"devspace-web"},
}

func newAuthFixture(t *testing.T, cfg AuthConfig) *authFixture {
	t.Helper()
	f := &authFixture{
		users:    newMemoryUserStore(),
		tokens:   newMemoryTokenStore(),
		audit:    &memoryAudit{},
		denylist: &memoryDenylist{},
		attempts: &memoryAttempts{},
		hasher:   &fakeHasher{},
		issuer:   security.NewTokenManager(testJWTConfig),
	}
	f.svc = NewAuthService(AuthDependencies{
		Users:    f.users,
		Tokens:   f.tokens,
		Audit:    f.audit,
		Denylist: f.denylist,
		Attempts: f.attempts,
		Hasher:   f.hasher,
		Issuer:   f.issuer,
		Policy:   security.PasswordPolicy{MinLength: 8, RequireUpper: true, RequireLower: true, RequireDigit: true},
		Metrics:  NewMetricsService(),
		Logger:   zap.NewNop(),
	}, cfg)
	return f
}

func (f *authFixture) register(t *testing.T, email, username, password string) *models.PublicUser {
	t.Helper()
	user, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: email, Username: username, Password: password})
	require.NoError(t, err)
	return user
}

func (f *authFixture) login(t *testing.T, email, password string) *models.LoginResponse {
	t.Helper()
	res, err := f.svc.Login(context.Background(), models.LoginRequest{Email: email, Password: password, IP: "127.0.0.1", UserAgent: "go-test"})
	require.NoError(t, err)
	return res
}

func requireCode(t *testing.T, err error, expected *appErrors.Error) *appErrors.Error {
	t.Helper()
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, expected.Code, appErr.Code, appErr.Error())
	require.Equal(t, expected.Status, appErr.Status)
	return appErr
}

func TestRegisterReturnsPublicUser(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})

	user := f.register(t, "  Dev@Example.com ", "dev_user", "Passw0rdOK")
	assert.Equal(t, "dev@example.com", user.Email)
	assert.Equal(t, "dev_user", user.Username)
	assert.True(t, user.Active)
	assert.False(t, user.EmailVerified)

	stored, err := f.users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "Passw0rdOK", stored.PasswordHash)
	assert.True(t, f.hasher.Verify("Passw0rdOK", stored.PasswordHash))
	assert.Contains(t, f.audit.actions(), models.AuditActionRegister)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: "DEV@example.com", Username: "other", Password: "Passw0rdOK"})
	requireCode(t, err, appErrors.ErrConflict)

	_, err = f.svc.Register(context.Background(), models.RegisterRequest{Email: "other@example.com", Username: "dev_user", Password: "Passw0rdOK"})
	requireCode(t, err, appErrors.ErrConflict)
}

func TestRegisterMapsInsertRaceToConflict(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.users.createErr = repository.ErrDuplicateEmail

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: "dev@example.com", Username: "dev_user", Password: "Passw0rdOK"})
	appErr := requireCode(t, err, appErrors.ErrConflict)
	assert.Equal(t, http.StatusConflict, appErr.Status)
}

func TestRegisterValidationDetails(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})

	_, err := f.svc.Register(context.Background(), models.RegisterRequest{Email: "not-an-email", Username: "dev_user", Password: "Passw0rdOK"})
	appErr := requireCode(t, err, appErrors.ErrValidation)
	assert.Contains(t, appErr.Details, "email")

	_, err = f.svc.Register(context.Background(), models.RegisterRequest{Email: "dev@example.com", Username: "bad name", Password: "weak"})
	appErr = requireCode(t, err, appErrors.ErrValidation)
	assert.Contains(t, appErr.Details, "username")
	assert.Contains(t, appErr.Details, "password")
}

func TestLoginIssuesTokenPair(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	user := f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")

	res := f.login(t, "DEV@example.com", "Passw0rdOK")
	assert.Equal(t, user.ID, res.User.ID)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, int64(900), res.ExpiresIn)
	assert.NotNil(t, res.User.LastLoginAt)

	claims, err := f.issuer.ParseAccessToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.NotEmpty(t, claims.SessionID)

	record, err := f.tokens.FindByHash(context.Background(), security.HashToken(res.RefreshToken))
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, record.TokenHash)
	assert.Equal(t, claims.SessionID, record.SessionID)
	assert.Equal(t, "127.0.0.1", record.IPAddress)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	user := f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	f.register(t, "idle@example.com", "idle_user", "Passw0rdOK")
	idle, err := f.users.FindByEmail(context.Background(), "idle@example.com")
	require.NoError(t, err)
	f.users.setActive(idle.ID, false)

	attempts := []models.LoginRequest{
		{Email: "dev@example.com", Password: "WrongPass1"},
		{Email: "nobody@example.com", Password: "Passw0rdOK"},
		{Email: "idle@example.com", Password: "Passw0rdOK"},
	}

	var messages []string
	for _, req := range attempts {
		before := f.hasher.verifies
		_, err := f.svc.Login(context.Background(), req)
		appErr := requireCode(t, err, appErrors.ErrInvalidCredentials)
		messages = append(messages, appErr.Message)
		assert.Greater(t, f.hasher.verifies, before, "a hash comparison runs for %s", req.Email)
	}
	assert.Equal(t, messages[0], messages[1])
	assert.Equal(t, messages[0], messages[2])
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, 0, f.tokens.count())
}

func TestLoginLockout(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{LoginMaxAttempts: 2, LoginLockoutWindow: time.Minute})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "dev@example.com", Password: "WrongPass1"})
		requireCode(t, err, appErrors.ErrInvalidCredentials)
	}

	_, err := f.svc.Login(context.Background(), models.LoginRequest{Email: "dev@example.com", Password: "Passw0rdOK"})
	requireCode(t, err, appErrors.ErrTooManyRequests)
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	rotated, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken, rotated.RefreshToken)
	assert.NotEqual(t, login.AccessToken, rotated.AccessToken)

	before, err := f.issuer.ParseAccessToken(login.AccessToken)
	require.NoError(t, err)
	after, err := f.issuer.ParseAccessToken(rotated.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, before.SessionID, after.SessionID)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	requireCode(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: rotated.RefreshToken})
	require.NoError(t, err)
}

func TestRefreshRejectsAccessTokensAndGarbage(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.AccessToken})
	requireCode(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: "garbage"})
	requireCode(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{})
	requireCode(t, err, appErrors.ErrValidation)
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	user := f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")
	f.users.setActive(user.ID, false)

	_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	requireCode(t, err, appErrors.ErrUnauthorized)
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if errors.Is(err, appErrors.ErrUnauthorized) {
				failures++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, failures)
}

func TestReuseDetectionRevokesSession(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{RefreshReuseDetection: true})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	rotated, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	requireCode(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: rotated.RefreshToken})
	requireCode(t, err, appErrors.ErrUnauthorized)
	assert.Contains(t, f.audit.actions(), models.AuditActionTokenReuse)
}

func TestLogoutThenRefreshFails(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")
	other := f.login(t, "dev@example.com", "Passw0rdOK")

	claims, err := f.svc.ValidateAccessToken(context.Background(), login.AccessToken)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(context.Background(), claims, models.LogoutRequest{}))
	require.NoError(t, f.svc.Logout(context.Background(), claims, models.LogoutRequest{}))

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	requireCode(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: other.RefreshToken})
	require.NoError(t, err, "other sessions survive a single-session logout")
}

func TestLogoutAllSessions(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	first := f.login(t, "dev@example.com", "Passw0rdOK")
	second := f.login(t, "dev@example.com", "Passw0rdOK")

	claims, err := f.svc.ValidateAccessToken(context.Background(), first.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(context.Background(), claims, models.LogoutRequest{All: true}))

	for _, token := range []string{first.RefreshToken, second.RefreshToken} {
		_, err := f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: token})
		requireCode(t, err, appErrors.ErrUnauthorized)
	}

	err = f.svc.Logout(context.Background(), nil, models.LogoutRequest{})
	requireCode(t, err, appErrors.ErrUnauthorized)
}

func TestLogoutDenylistsAccessToken(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{AccessDenylist: true})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	claims, err := f.svc.ValidateAccessToken(context.Background(), login.AccessToken)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(context.Background(), claims, models.LogoutRequest{}))

	_, err = f.svc.ValidateAccessToken(context.Background(), login.AccessToken)
	requireCode(t, err, appErrors.ErrUnauthorized)
	assert.False(t, f.svc.Verify(context.Background(), login.AccessToken).Valid)
}

func TestVerify(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	user := f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	res := f.svc.Verify(context.Background(), login.AccessToken)
	assert.True(t, res.Valid)
	require.NotNil(t, res.User)
	assert.Equal(t, user.ID, res.User.ID)
	assert.Equal(t, "dev_user", res.User.Username)

	res = f.svc.Verify(context.Background(), "")
	assert.False(t, res.Valid)
	assert.Nil(t, res.User)

	expiredCfg := testJWTConfig
	expiredCfg.AccessTTL = -time.Minute
	expired, _, err := security.NewTokenManager(expiredCfg).IssueAccessToken(security.AccessIdentity{UserID: user.ID, SessionID: "s"})
	require.NoError(t, err)
	assert.False(t, f.svc.Verify(context.Background(), expired).Valid)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	user := f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	err := f.svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{CurrentPassword: "nope", NewPassword: "N3wPassword"}, models.RequestMeta{})
	requireCode(t, err, appErrors.ErrForbidden)

	err = f.svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{CurrentPassword: "Passw0rdOK", NewPassword: "short"}, models.RequestMeta{})
	appErr := requireCode(t, err, appErrors.ErrValidation)
	assert.Contains(t, appErr.Details, "newPassword")

	err = f.svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{CurrentPassword: "Passw0rdOK", NewPassword: "N3wPassword"}, models.RequestMeta{})
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	requireCode(t, err, appErrors.ErrUnauthorized)

	_, err = f.svc.Login(context.Background(), models.LoginRequest{Email: "dev@example.com", Password: "Passw0rdOK"})
	requireCode(t, err, appErrors.ErrInvalidCredentials)
	f.login(t, "dev@example.com", "N3wPassword")
}

func TestChangePasswordKeepsOldPasswordWhenRevokeFails(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	user := f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")
	f.tokens.revokeErr = errors.New("connection reset")

	err := f.svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{CurrentPassword: "Passw0rdOK", NewPassword: "N3wPassword"}, models.RequestMeta{})
	requireCode(t, err, appErrors.ErrInternal)

	stored, err := f.users.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "hashed:Passw0rdOK", stored.PasswordHash)
	assert.NotContains(t, f.audit.actions(), models.AuditActionPasswordChange)

	f.tokens.revokeErr = nil
	_, err = f.svc.Refresh(context.Background(), models.RefreshTokenRequest{RefreshToken: login.RefreshToken})
	require.NoError(t, err)
}

func TestVerifyClaimsBuildsResponse(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{AccessDenylist: true})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	login := f.login(t, "dev@example.com", "Passw0rdOK")

	claims, err := f.svc.ValidateAccessToken(context.Background(), login.AccessToken)
	require.NoError(t, err)

	res := f.svc.VerifyClaims(claims)
	require.True(t, res.Valid)
	assert.Equal(t, claims.UserID(), res.User.ID)
	assert.False(t, f.svc.VerifyClaims(nil).Valid)
}

func TestListSessionsMarksCurrent(t *testing.T) {
	f := newAuthFixture(t, AuthConfig{})
	f.register(t, "dev@example.com", "dev_user", "Passw0rdOK")
	first := f.login(t, "dev@example.com", "Passw0rdOK")
	f.login(t, "dev@example.com", "Passw0rdOK")

	claims, err := f.svc.ValidateAccessToken(context.Background(), first.AccessToken)
	require.NoError(t, err)

	sessions, err := f.svc.ListSessions(context.Background(), claims)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	var current int
	for _, session := range sessions {
		if session.Current {
			current++
			assert.Equal(t, claims.SessionID, session.ID)
		}
	}
	assert.Equal(t, 1, current)
}
