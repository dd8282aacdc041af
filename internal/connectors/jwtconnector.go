// jwtconnector is a concrete TokenVerifier/TokenRefresher adapted from
// the teacher's internal/services/auth_service.go AccessClaims/
// ParseAccessToken logic, rewritten around golang-jwt/v5 and extended
// with the refresh-token family rotation and reuse-detection contract
// spec.md §4.9 requires (the teacher's AuthService.Refresh rotated a
// single per-session hash with no family tracking).
package connectors

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sentinelchat/pkg/apperrors"
)

// AccessClaims mirrors the teacher's claims shape: subject and
// username embedded directly rather than looked up per-request.
type AccessClaims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type familyMember struct {
	token  string
	active bool
}

type tokenFamily struct {
	userID   string
	username string
	deviceID string
	members  []familyMember
	revoked  bool
}

// JWTConnector is a demonstration TokenVerifier/TokenRefresher: it
// signs and verifies access tokens with golang-jwt/v5 and keeps an
// in-memory refresh-token family table. The real session store lives
// behind the persistent relational store, which spec.md §1 puts out
// of scope for this core — this type exists so cmd/server can wire a
// runnable binary without a database.
type JWTConnector struct {
	secret       []byte
	leeway       time.Duration
	accessTTL    time.Duration

	mu        sync.Mutex
	families  map[string]*tokenFamily // refresh token -> family
}

func NewJWTConnector(secret []byte, leeway, accessTTL time.Duration) *JWTConnector {
	return &JWTConnector{
		secret:    secret,
		leeway:    leeway,
		accessTTL: accessTTL,
		families:  make(map[string]*tokenFamily),
	}
}

func (j *JWTConnector) VerifyAccessToken(ctx context.Context, token string) (Claims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithLeeway(j.leeway))
	if err != nil || !parsed.Valid {
		return Claims{}, apperrors.Unauthorized("invalid access token", err)
	}
	return Claims{UserID: claims.UserID, Username: claims.Username}, nil
}

// IssueAccessToken mints a signed access token, used by RefreshTokens
// and by anything standing in for the out-of-scope login flow in a
// demo wiring.
func (j *JWTConnector) IssueAccessToken(userID, username string) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTTL)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(j.secret)
}

// StartFamily registers a fresh refresh-token family for a newly
// authenticated session (normally invoked by the out-of-scope login
// flow; exposed here so tests and the demo wiring can seed one).
func (j *JWTConnector) StartFamily(userID, username, deviceID string) string {
	token := newOpaqueToken()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.families[token] = &tokenFamily{
		userID:   userID,
		username: username,
		deviceID: deviceID,
		members:  []familyMember{{token: token, active: true}},
	}
	return token
}

// RefreshTokens implements spec.md §4.9's family rotation and
// reuse-detection: presenting the currently-active token rotates it
// to a new one and returns a fresh access token. Presenting any
// previously-rotated-away token revokes every member of the family
// and returns Unauthorized.
func (j *JWTConnector) RefreshTokens(ctx context.Context, refreshToken, deviceID string) (TokenPair, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	fam, ok := j.families[refreshToken]
	if !ok {
		return TokenPair{}, apperrors.Unauthorized("unknown refresh token", nil)
	}
	if fam.revoked {
		return TokenPair{}, apperrors.Unauthorized("refresh token family revoked", nil)
	}

	var presented *familyMember
	for i := range fam.members {
		if fam.members[i].token == refreshToken {
			presented = &fam.members[i]
			break
		}
	}
	if presented == nil || !presented.active {
		// reuse of a token that was already rotated away: revoke the
		// whole family and deny.
		j.revokeFamilyLocked(fam)
		return TokenPair{}, apperrors.Unauthorized("refresh token reuse detected", nil)
	}

	presented.active = false
	newToken := newOpaqueToken()
	fam.members = append(fam.members, familyMember{token: newToken, active: true})
	j.families[newToken] = fam

	access, err := j.IssueAccessToken(fam.userID, fam.username)
	if err != nil {
		return TokenPair{}, apperrors.Transient("could not sign access token", err)
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: newToken,
		ExpiresInSec: int(j.accessTTL.Seconds()),
	}, nil
}

func (j *JWTConnector) revokeFamilyLocked(fam *tokenFamily) {
	fam.revoked = true
	for i := range fam.members {
		fam.members[i].active = false
	}
}

func newOpaqueToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
