package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/devspace-api/internal/models"
	"github.com/noah-isme/devspace-api/pkg/config"
	appErrors "github.com/noah-isme/devspace-api/pkg/errors"
)

const refreshNonceBytes = 32

// AccessIdentity is the subject data embedded in an access token.
type AccessIdentity struct {
	UserID    string
	Email     string
	Username  string
	SessionID string
}

// IssuedRefreshToken is a freshly minted refresh token. Raw goes to the client
// and Hash to storage.
type IssuedRefreshToken struct {
	Raw       string
	ID        string
	SessionID string
	Hash      string
	ExpiresAt time.Time
}

// TokenManager issues and verifies access and refresh tokens. Each kind is
// signed with its own secret and carries a typ discriminator.
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	audience      []string
	now           func() time.Time
}

// NewTokenManager constructs a TokenManager from JWT configuration.
func NewTokenManager(cfg config.JWTConfig) *TokenManager {
	return &TokenManager{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		issuer:        cfg.Issuer,
		audience:      cfg.Audience,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// AccessTTL returns the access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}

// IssueAccessToken signs a short-lived access token for identity.
func (m *TokenManager) IssueAccessToken(identity AccessIdentity) (string, *models.AccessClaims, error) {
	issuedAt := m.now()
	claims := &models.AccessClaims{
		Email:     identity.Email,
		Username:  identity.Username,
		Type:      models.TokenTypeAccess,
		SessionID: identity.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   identity.UserID,
			Audience:  m.audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(m.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, claims, nil
}

// IssueRefreshToken mints an opaque-to-clients refresh token bound to
// sessionID. The returned ID is the storage record identifier.
func (m *TokenManager) IssueRefreshToken(userID, sessionID string) (*IssuedRefreshToken, error) {
	nonce := make([]byte, refreshNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate refresh nonce: %w", err)
	}

	issuedAt := m.now()
	expiresAt := issuedAt.Add(m.refreshTTL)
	claims := &models.RefreshClaims{
		Type:      models.TokenTypeRefresh,
		SessionID: sessionID,
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   userID,
			Audience:  m.audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.refreshSecret)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &IssuedRefreshToken{
		Raw:       signed,
		ID:        claims.ID,
		SessionID: sessionID,
		Hash:      HashToken(signed),
		ExpiresAt: expiresAt,
	}, nil
}

// ParseAccessToken verifies signature, algorithm, timing, issuer, audience
// and token type of an access token.
func (m *TokenManager) ParseAccessToken(raw string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if err := m.parse(raw, claims, m.accessSecret); err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeAccess || claims.Subject == "" {
		return nil, invalidToken(nil)
	}
	return claims, nil
}

// ParseRefreshToken verifies a refresh token the same way using the refresh
// secret.
func (m *TokenManager) ParseRefreshToken(raw string) (*models.RefreshClaims, error) {
	claims := &models.RefreshClaims{}
	if err := m.parse(raw, claims, m.refreshSecret); err != nil {
		return nil, err
	}
	if claims.Type != models.TokenTypeRefresh || claims.Subject == "" || claims.SessionID == "" {
		return nil, invalidToken(nil)
	}
	return claims, nil
}

func (m *TokenManager) parse(raw string, claims jwt.Claims, secret []byte) error {
	if raw == "" {
		return invalidToken(nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if len(m.audience) > 0 {
		opts = append(opts, jwt.WithAudience(m.audience[0]))
	}

	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		return invalidToken(err)
	}
	if !token.Valid {
		return invalidToken(nil)
	}
	return nil
}

// HashToken returns the hex SHA-256 digest under which refresh tokens are
// stored and looked up.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func invalidToken(err error) *appErrors.Error {
	return appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired token")
}
