// Package auth issues and verifies the RS256 tokens that guard the gateway,
// and holds the envelope crypto for secrets at rest.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mlukyanov/tradecore/internal/types"
)

// Token types carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Claims is the token payload. FamilyID ties a refresh lineage together;
// Fingerprint is the hex SHA-256 of the client binding value.
type Claims struct {
	TokenType   string `json:"typ"`
	FamilyID    string `json:"fid,omitempty"`
	Fingerprint string `json:"fp,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is an access/refresh pair sharing one rotation family.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessJTI    string
	RefreshJTI   string
	FamilyID     string
}

// RevocationStore is the shared revocation state the verifier consults.
// Backed by the bus in production.
type RevocationStore interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	SetRevokeAfter(ctx context.Context, userID string, at time.Time) error
	RevokeAfter(ctx context.Context, userID string) (time.Time, bool, error)
	MarkRefreshUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	RevokeRefreshFamily(ctx context.Context, familyID string, ttl time.Duration) error
	IsRefreshFamilyRevoked(ctx context.Context, familyID string) (bool, error)
}

// Auditor records privileged token actions.
type Auditor interface {
	SaveAuditLog(ctx context.Context, entry *types.AuditEntry) error
}

// Config holds the token service settings. PrivateKeyPEM may be empty for a
// verify-only service.
type Config struct {
	PrivateKeyPEM []byte
	PublicKeyPEM  []byte
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenService signs, verifies, rotates and revokes tokens.
type TokenService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	store      RevocationStore
	auditor    Auditor
	logger     *slog.Logger
}

// NewTokenService parses the configured keys. auditor may be nil.
func NewTokenService(cfg Config, store RevocationStore, auditor Auditor, logger *slog.Logger) (*TokenService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	var privateKey *rsa.PrivateKey
	if len(cfg.PrivateKeyPEM) > 0 {
		privateKey, err = jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	}

	return &TokenService{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		store:      store,
		auditor:    auditor,
		logger:     logger.With("component", "auth"),
	}, nil
}

// FingerprintHash is the hex SHA-256 bound into the fp claim.
func FingerprintHash(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}

// IssuePair mints an access/refresh pair for the subject. fingerprint may be
// empty; when set, both tokens carry its hash and verification demands it.
func (s *TokenService) IssuePair(subject, fingerprint string) (*TokenPair, error) {
	familyID := uuid.New().String()

	access, accessJTI, err := s.sign(subject, TypeAccess, "", fingerprint, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, refreshJTI, err := s.sign(subject, TypeRefresh, familyID, fingerprint, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessJTI:    accessJTI,
		RefreshJTI:   refreshJTI,
		FamilyID:     familyID,
	}, nil
}

func (s *TokenService) sign(subject, typ, familyID, fingerprint string, ttl time.Duration) (string, string, error) {
	if s.privateKey == nil {
		return "", "", fmt.Errorf("no signing key configured: %w", types.ErrInvalidConfig)
	}

	now := time.Now().UTC()
	jti := uuid.New().String()
	claims := Claims{
		TokenType: typ,
		FamilyID:  familyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	if fingerprint != "" {
		claims.Fingerprint = FingerprintHash(fingerprint)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// VerifyToken checks signature and registered claims, then the revocation
// list, the user watermark and the optional fingerprint binding.
// fingerprint is the raw client value; pass empty to skip the binding check.
func (s *TokenService) VerifyToken(ctx context.Context, tokenString, fingerprint string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTokenInvalid, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("missing jti: %w", types.ErrTokenInvalid)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("missing exp: %w", types.ErrTokenInvalid)
	}

	revoked, err := s.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, types.ErrTokenRevoked
	}

	watermark, ok, err := s.store.RevokeAfter(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("check revoke watermark: %w", err)
	}
	if ok && claims.IssuedAt != nil && claims.IssuedAt.Unix() <= watermark.Unix() {
		return nil, types.ErrTokenRevoked
	}

	if fingerprint != "" && claims.Fingerprint != FingerprintHash(fingerprint) {
		return nil, types.ErrFingerprintMismatch
	}

	return claims, nil
}

func (s *TokenService) keyFunc(*jwt.Token) (any, error) {
	return s.publicKey, nil
}

// RotateRefresh burns the presented refresh token and issues a new pair in
// the same family. Presenting an already-burned token revokes the whole
// family: that is the replay signal.
func (s *TokenService) RotateRefresh(ctx context.Context, refreshToken, fingerprint string) (*TokenPair, error) {
	claims, err := s.VerifyToken(ctx, refreshToken, fingerprint)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TypeRefresh {
		return nil, fmt.Errorf("typ %q is not a refresh token: %w", claims.TokenType, types.ErrTokenInvalid)
	}

	ttl := time.Until(claims.ExpiresAt.Time)

	first, err := s.store.MarkRefreshUsed(ctx, claims.ID, ttl)
	if err != nil {
		return nil, fmt.Errorf("mark refresh used: %w", err)
	}
	if !first {
		if claims.FamilyID != "" {
			if err := s.store.RevokeRefreshFamily(ctx, claims.FamilyID, s.refreshTTL); err != nil {
				s.logger.Error("failed to revoke refresh family",
					"family_id", claims.FamilyID,
					"err", err,
				)
			}
		}
		s.logger.Warn("refresh token reuse detected",
			"jti", claims.ID,
			"family_id", claims.FamilyID,
			"subject", claims.Subject,
		)
		return nil, types.ErrTokenReused
	}

	if claims.FamilyID != "" {
		dead, err := s.store.IsRefreshFamilyRevoked(ctx, claims.FamilyID)
		if err != nil {
			return nil, fmt.Errorf("check refresh family: %w", err)
		}
		if dead {
			return nil, types.ErrTokenRevoked
		}
	}

	if err := s.store.RevokeToken(ctx, claims.ID, ttl); err != nil {
		return nil, fmt.Errorf("revoke rotated token: %w", err)
	}

	access, accessJTI, err := s.sign(claims.Subject, TypeAccess, "", fingerprint, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, refreshJTI, err := s.sign(claims.Subject, TypeRefresh, claims.FamilyID, fingerprint, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessJTI:    accessJTI,
		RefreshJTI:   refreshJTI,
		FamilyID:     claims.FamilyID,
	}, nil
}

// Revoke blacklists a verified token for its remaining lifetime.
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.VerifyToken(ctx, tokenString, "")
	if err != nil {
		return err
	}
	if err := s.store.RevokeToken(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.audit(ctx, claims.Subject, "token_revoked", claims.ID, nil)
	s.logger.Info("token revoked", "jti", claims.ID, "subject", claims.Subject)
	return nil
}

// RevokeAllUserTokens stamps the user watermark so every token issued up to
// now stops verifying.
func (s *TokenService) RevokeAllUserTokens(ctx context.Context, userID, reason string) error {
	if err := s.store.SetRevokeAfter(ctx, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("set revoke watermark: %w", err)
	}
	s.audit(ctx, userID, "all_tokens_revoked", userID, map[string]any{"reason": reason})
	s.logger.Warn("all user tokens revoked", "user_id", userID, "reason", reason)
	return nil
}

func (s *TokenService) audit(ctx context.Context, actor, action, entityID string, payload map[string]any) {
	if s.auditor == nil {
		return
	}
	entry := &types.AuditEntry{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Entity:    "token",
		EntityID:  entityID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.auditor.SaveAuditLog(ctx, entry); err != nil {
		s.logger.Error("failed to persist audit entry",
			"action", action,
			"err", err,
		)
	}
}
