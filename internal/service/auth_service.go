package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/internal/repository"
	"github.com/noah-isme/devspace-api/internal/security"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
)

const (
	tokenTypeBearer = "Bearer"
	dummyPassword   = "devspace-timing-equaliser"
)

type credentialStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

type refreshTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*models.RefreshToken, error)
	RevokeSession(ctx context.Context, userID, sessionID string, at time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error)
	Rotate(ctx context.Context, oldHash string, now time.Time, next *models.RefreshToken) (*models.RefreshToken, error)
}

type auditWriter interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

type tokenDenylist interface {
	Deny(ctx context.Context, jti string, ttl time.Duration) error
	IsDenied(ctx context.Context, jti string) (bool, error)
}

type loginAttemptStore interface {
	Failures(ctx context.Context, key string) (int, error)
	RegisterFailure(ctx context.Context, key string, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

type passwordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	LoginMaxAttempts      int
	LoginLockoutWindow    time.Duration
	AccessDenylist        bool
	RefreshReuseDetection bool
}

// AuthDependencies groups the collaborators of AuthService. Denylist,
// Attempts, Audit and Metrics are optional.
type AuthDependencies struct {
	Users     credentialStore
	Tokens    refreshTokenStore
	Audit     auditWriter
	Denylist  tokenDenylist
	Attempts  loginAttemptStore
	Hasher    passwordHasher
	Issuer    *security.TokenManager
	Policy    security.PasswordPolicy
	Validator *validator.Validate
	Metrics   *MetricsService
	Logger    *zap.Logger
}

// AuthService orchestrates registration, login, refresh rotation and logout.
type AuthService struct {
	users     credentialStore
	tokens    refreshTokenStore
	audit     auditWriter
	denylist  tokenDenylist
	attempts  loginAttemptStore
	hasher    passwordHasher
	issuer    *security.TokenManager
	policy    security.PasswordPolicy
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(deps AuthDependencies, config AuthConfig) *AuthService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = NewValidator()
	}
	return &AuthService{
		users:     deps.Users,
		tokens:    deps.Tokens,
		audit:     deps.Audit,
		denylist:  deps.Denylist,
		attempts:  deps.Attempts,
		hasher:    deps.Hasher,
		issuer:    deps.Issuer,
		policy:    deps.Policy,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a new account and returns its public projection.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.PublicUser, error) {
	req.Email = security.NormalizeEmail(req.Email)
	req.Username = strings.TrimSpace(req.Username)

	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordAuthOperation("register", OutcomeRejected)
		return nil, appErrors.FromValidation(err, "invalid registration payload")
	}
	details := map[string]string{}
	if err := security.CheckUsername(req.Username); err != nil {
		details["username"] = err.Error()
	}
	if err := s.policy.Check(req.Password); err != nil {
		details["password"] = err.Error()
	}
	if len(details) > 0 {
		s.metrics.RecordAuthOperation("register", OutcomeRejected)
		return nil, validationError("invalid registration payload", details)
	}

	if _, err := s.users.FindByEmail(ctx, req.Email); err == nil {
		s.metrics.RecordAuthOperation("register", OutcomeRejected)
		return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, internalError(err, "failed to check email uniqueness")
	}
	if _, err := s.users.FindByUsername(ctx, req.Username); err == nil {
		s.metrics.RecordAuthOperation("register", OutcomeRejected)
		return nil, appErrors.Clone(appErrors.ErrConflict, "username already taken")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, internalError(err, "failed to check username uniqueness")
	}

	hash, err := s.hashPassword(req.Password)
	if err != nil {
		return nil, internalError(err, "failed to hash password")
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		s.metrics.RecordAuthOperation("register", OutcomeRejected)
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, appErrors.Clone(appErrors.ErrConflict, "email already registered")
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, appErrors.Clone(appErrors.ErrConflict, "username already taken")
		}
		return nil, internalError(err, "failed to create user")
	}

	s.record(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionRegister,
		Resource:   "auth",
		ResourceID: &user.ID,
		NewValues:  auditPayload(map[string]interface{}{"email": user.Email, "username": user.Username}),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
	s.metrics.RecordAuthOperation("register", OutcomeSuccess)

	public := user.Public()
	return &public, nil
}

// Login authenticates a user and starts a new session. Unknown emails,
// inactive accounts and wrong passwords are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = security.NormalizeEmail(req.Email)
	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordAuthOperation("login", OutcomeRejected)
		return nil, appErrors.FromValidation(err, "invalid login payload")
	}

	if s.lockedOut(ctx, req.Email) {
		s.metrics.RecordAuthOperation("login", OutcomeRejected)
		return nil, appErrors.Clone(appErrors.ErrTooManyRequests, "too many failed login attempts, try again later")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordAuthOperation("login", OutcomeError)
			return nil, internalError(err, "failed to fetch user")
		}
		s.equaliseTiming(req.Password)
		return nil, s.failLogin(ctx, req, nil)
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) || !user.Active {
		return nil, s.failLogin(ctx, req, &user.ID)
	}

	now := s.now()
	refresh, err := s.startSession(ctx, user.ID, uuid.NewString(), req.IP, req.UserAgent)
	if err != nil {
		s.metrics.RecordAuthOperation("login", OutcomeError)
		return nil, err
	}
	access, _, err := s.issuer.IssueAccessToken(identityOf(user, refresh.SessionID))
	if err != nil {
		s.metrics.RecordAuthOperation("login", OutcomeError)
		return nil, internalError(err, "failed to create access token")
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}
	if s.attempts != nil {
		if err := s.attempts.Reset(ctx, req.Email); err != nil {
			s.logger.Warn("failed to reset login attempts", zap.Error(err))
		}
	}

	s.record(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionLogin,
		Resource:   "auth",
		ResourceID: &refresh.SessionID,
		NewValues:  auditPayload(map[string]interface{}{"status": "success"}),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
	s.metrics.RecordAuthOperation("login", OutcomeSuccess)

	return &models.LoginResponse{
		User:         user.Public(),
		AccessToken:  access,
		RefreshToken: refresh.Raw,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Refresh exchanges a refresh token for a new pair. Each refresh token can be
// exchanged once; presenting it again fails with Unauthorized.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		s.metrics.RecordAuthOperation("refresh", OutcomeRejected)
		return nil, appErrors.FromValidation(err, "invalid refresh payload")
	}

	claims, err := s.issuer.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		s.metrics.RecordAuthOperation("refresh", OutcomeRejected)
		return nil, refreshRejected()
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordAuthOperation("refresh", OutcomeRejected)
			return nil, refreshRejected()
		}
		s.metrics.RecordAuthOperation("refresh", OutcomeError)
		return nil, internalError(err, "failed to load user")
	}
	if !user.Active {
		s.metrics.RecordAuthOperation("refresh", OutcomeRejected)
		return nil, refreshRejected()
	}

	next, err := s.issuer.IssueRefreshToken(user.ID, claims.SessionID)
	if err != nil {
		s.metrics.RecordAuthOperation("refresh", OutcomeError)
		return nil, internalError(err, "failed to create refresh token")
	}

	now := s.now()
	presentedHash := security.HashToken(req.RefreshToken)
	_, err = s.tokens.Rotate(ctx, presentedHash, now, &models.RefreshToken{
		ID:        next.ID,
		UserID:    user.ID,
		SessionID: next.SessionID,
		TokenHash: next.Hash,
		ExpiresAt: next.ExpiresAt,
		CreatedAt: now,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		if errors.Is(err, repository.ErrTokenInactive) {
			s.handleReplay(ctx, presentedHash, claims, req)
			s.metrics.RecordAuthOperation("refresh", OutcomeRejected)
			return nil, refreshRejected()
		}
		s.metrics.RecordAuthOperation("refresh", OutcomeError)
		return nil, internalError(err, "failed to rotate refresh token")
	}

	access, _, err := s.issuer.IssueAccessToken(identityOf(user, next.SessionID))
	if err != nil {
		s.metrics.RecordAuthOperation("refresh", OutcomeError)
		return nil, internalError(err, "failed to create access token")
	}

	s.record(ctx, &models.AuditLog{
		UserID:     &user.ID,
		Action:     models.AuditActionTokenRefresh,
		Resource:   "auth",
		ResourceID: &next.SessionID,
		NewValues:  auditPayload(map[string]interface{}{"refresh": "rotated"}),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
	s.metrics.RecordAuthOperation("refresh", OutcomeSuccess)

	return &models.RefreshTokenResponse{
		AccessToken:  access,
		RefreshToken: next.Raw,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.issuer.AccessTTL().Seconds()),
	}, nil
}

// Logout ends the session carried by claims, or every session of the user
// when req.All is set. Repeating a logout succeeds without effect.
func (s *AuthService) Logout(ctx context.Context, claims *models.AccessClaims, req models.LogoutRequest) error {
	if claims == nil || claims.Subject == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}

	now := s.now()
	var (
		revoked int64
		err     error
	)
	if req.All || claims.SessionID == "" {
		revoked, err = s.tokens.RevokeAllForUser(ctx, claims.Subject, now)
	} else {
		revoked, err = s.tokens.RevokeSession(ctx, claims.Subject, claims.SessionID, now)
	}
	if err != nil {
		s.metrics.RecordAuthOperation("logout", OutcomeError)
		return internalError(err, "failed to revoke session")
	}

	if s.config.AccessDenylist && s.denylist != nil && claims.ExpiresAt != nil {
		if err := s.denylist.Deny(ctx, claims.ID, claims.ExpiresAt.Time.Sub(now)); err != nil {
			s.logger.Warn("failed to denylist access token", zap.String("user_id", claims.Subject), zap.Error(err))
		}
	}

	s.record(ctx, &models.AuditLog{
		UserID:     &claims.Subject,
		Action:     models.AuditActionLogout,
		Resource:   "auth",
		ResourceID: &claims.SessionID,
		NewValues:  auditPayload(map[string]interface{}{"all": req.All, "revoked": revoked}),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
	s.metrics.RecordAuthOperation("logout", OutcomeSuccess)
	return nil
}

// ValidateAccessToken verifies an access token and, when enabled, checks it
// against the denylist. Denylist lookups fail open.
func (s *AuthService) ValidateAccessToken(ctx context.Context, raw string) (*models.AccessClaims, error) {
	claims, err := s.issuer.ParseAccessToken(raw)
	if err != nil {
		return nil, err
	}
	if s.config.AccessDenylist && s.denylist != nil {
		denied, err := s.denylist.IsDenied(ctx, claims.ID)
		if err != nil {
			s.logger.Warn("access token denylist unavailable", zap.Error(err))
		} else if denied {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired token")
		}
	}
	return claims, nil
}

// Verify reports whether raw is a usable access token. It never fails.
func (s *AuthService) Verify(ctx context.Context, raw string) models.VerifyResponse {
	claims, err := s.ValidateAccessToken(ctx, raw)
	if err != nil {
		claims = nil
	}
	return s.VerifyClaims(claims)
}

// VerifyClaims builds the verify response from claims already checked by
// ValidateAccessToken. nil means the token was missing or rejected.
func (s *AuthService) VerifyClaims(claims *models.AccessClaims) models.VerifyResponse {
	if claims == nil {
		s.metrics.RecordAuthOperation("verify", OutcomeRejected)
		return models.VerifyResponse{Valid: false}
	}
	s.metrics.RecordAuthOperation("verify", OutcomeSuccess)
	info := claims.Info()
	return models.VerifyResponse{Valid: true, User: &info}
}

// ChangePassword replaces the password of userID and signs out every session.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest, meta models.RequestMeta) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.FromValidation(err, "invalid change password payload")
	}
	if err := s.policy.Check(req.NewPassword); err != nil {
		return validationError("invalid change password payload", map[string]string{"newPassword": err.Error()})
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return internalError(err, "failed to load user")
	}

	if !s.hasher.Verify(req.CurrentPassword, user.PasswordHash) {
		return appErrors.Clone(appErrors.ErrForbidden, "current password does not match")
	}

	hash, err := s.hashPassword(req.NewPassword)
	if err != nil {
		return internalError(err, "failed to hash password")
	}

	// Revoke before the update so a failed revoke leaves the old password in place.
	if _, err := s.tokens.RevokeAllForUser(ctx, userID, s.now()); err != nil {
		return internalError(err, "failed to revoke sessions")
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return internalError(err, "failed to update password")
	}

	s.record(ctx, &models.AuditLog{
		UserID:     &userID,
		Action:     models.AuditActionPasswordChange,
		Resource:   "auth",
		ResourceID: &userID,
		NewValues:  auditPayload(map[string]interface{}{"status": "changed"}),
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// ListSessions returns the caller's active sessions, newest first.
func (s *AuthService) ListSessions(ctx context.Context, claims *models.AccessClaims) ([]models.Session, error) {
	if claims == nil || claims.Subject == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "authentication required")
	}

	records, err := s.tokens.ListActiveByUser(ctx, claims.Subject, s.now())
	if err != nil {
		return nil, internalError(err, "failed to list sessions")
	}

	seen := make(map[string]struct{}, len(records))
	sessions := make([]models.Session, 0, len(records))
	for _, record := range records {
		if _, ok := seen[record.SessionID]; ok {
			continue
		}
		seen[record.SessionID] = struct{}{}
		sessions = append(sessions, models.Session{
			ID:           record.SessionID,
			IPAddress:    record.IPAddress,
			UserAgent:    record.UserAgent,
			LastActivity: record.CreatedAt,
			ExpiresAt:    record.ExpiresAt,
			Current:      record.SessionID == claims.SessionID,
		})
	}
	return sessions, nil
}

func (s *AuthService) startSession(ctx context.Context, userID, sessionID, ip, userAgent string) (*security.IssuedRefreshToken, error) {
	refresh, err := s.issuer.IssueRefreshToken(userID, sessionID)
	if err != nil {
		return nil, internalError(err, "failed to create refresh token")
	}
	if err := s.tokens.Create(ctx, &models.RefreshToken{
		ID:        refresh.ID,
		UserID:    userID,
		SessionID: sessionID,
		TokenHash: refresh.Hash,
		ExpiresAt: refresh.ExpiresAt,
		CreatedAt: s.now(),
		IPAddress: ip,
		UserAgent: userAgent,
	}); err != nil {
		return nil, internalError(err, "failed to persist refresh token")
	}
	return refresh, nil
}

// handleReplay revokes the whole session when a consumed refresh token is
// presented again and reuse detection is on.
func (s *AuthService) handleReplay(ctx context.Context, hash string, claims *models.RefreshClaims, req models.RefreshTokenRequest) {
	if !s.config.RefreshReuseDetection {
		return
	}
	record, err := s.tokens.FindByHash(ctx, hash)
	if err != nil || record.RevokedAt == nil || record.UserID != claims.Subject {
		return
	}

	revoked, err := s.tokens.RevokeSession(ctx, record.UserID, record.SessionID, s.now())
	if err != nil {
		s.logger.Error("failed to revoke session after refresh token reuse", zap.String("user_id", record.UserID), zap.Error(err))
		return
	}
	s.logger.Warn("refresh token reuse detected",
		zap.String("user_id", record.UserID),
		zap.String("session_id", record.SessionID),
		zap.Int64("revoked", revoked),
	)
	s.record(ctx, &models.AuditLog{
		UserID:     &record.UserID,
		Action:     models.AuditActionTokenReuse,
		Resource:   "auth",
		ResourceID: &record.SessionID,
		NewValues:  auditPayload(map[string]interface{}{"revoked": revoked}),
		IPAddress:  req.IP,
		UserAgent:  req.UserAgent,
	})
}

func (s *AuthService) lockedOut(ctx context.Context, key string) bool {
	if s.attempts == nil || s.config.LoginMaxAttempts <= 0 {
		return false
	}
	failures, err := s.attempts.Failures(ctx, key)
	if err != nil {
		s.logger.Warn("login attempt store unavailable", zap.Error(err))
		return false
	}
	return failures >= s.config.LoginMaxAttempts
}

func (s *AuthService) failLogin(ctx context.Context, req models.LoginRequest, userID *string) error {
	if s.attempts != nil && s.config.LoginMaxAttempts > 0 {
		if _, err := s.attempts.RegisterFailure(ctx, req.Email, s.config.LoginLockoutWindow); err != nil {
			s.logger.Warn("failed to register login failure", zap.Error(err))
		}
	}
	s.record(ctx, &models.AuditLog{
		UserID:    userID,
		Action:    models.AuditActionLoginFailed,
		Resource:  "auth",
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	s.metrics.RecordAuthOperation("login", OutcomeFailure)
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

// equaliseTiming runs one hash comparison so unknown emails cost the same as
// wrong passwords.
func (s *AuthService) equaliseTiming(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			s.logger.Warn("failed to prepare dummy hash", zap.Error(err))
			return
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		s.hasher.Verify(password, s.dummyHash)
	}
}

func (s *AuthService) hashPassword(password string) (string, error) {
	start := time.Now()
	hash, err := s.hasher.Hash(password)
	s.metrics.ObservePasswordHash(time.Since(start))
	return hash, err
}

func (s *AuthService) record(ctx context.Context, entry *models.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", entry.Action), zap.Error(err))
	}
}

func identityOf(user *models.User, sessionID string) security.AccessIdentity {
	return security.AccessIdentity{
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		SessionID: sessionID,
	}
}

func refreshRejected() *appErrors.Error {
	return appErrors.Clone(appErrors.ErrUnauthorized, "invalid or expired refresh token")
}

func internalError(err error, message string) *appErrors.Error {
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func validationError(message string, details map[string]string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.Clone(appErrors.ErrValidation, message), details)
}

func auditPayload(values map[string]interface{}) []byte {
	payload, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return payload
}
