package service

import (
	"context"
	"errors"
	"fieldsync/internal/config"
	"fieldsync/internal/dto/req"
	"fieldsync/internal/dto/resp"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	RedisKeyPrefix         = "fieldsync:auth:session:"
	Issuer                 = "fieldsync-agent"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrSessionExpired     = errors.New("session expired")
	ErrSigningKeyMissing  = errors.New("auth signing key is empty")
)

type UserClaims struct {
	UserID   string `json:"uid"`
	Username string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AuthService issues tokens for operators listed in config. Refresh tokens
// are kept in redis as an allow-list, one session per operator.
type AuthService struct {
	redis           *redis.Client
	signingKey      []byte
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	operators       map[string]config.OperatorAccount
}

func NewAuthService(rdb *redis.Client, cfg config.AuthConfig) (*AuthService, error) {
	if cfg.SigningKey == "" {
		return nil, ErrSigningKeyMissing
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	operators := make(map[string]config.OperatorAccount, len(cfg.Operators))
	for _, op := range cfg.Operators {
		operators[op.Username] = op
	}

	return &AuthService{
		redis:           rdb,
		signingKey:      []byte(cfg.SigningKey),
		accessTokenTTL:  accessTTL,
		refreshTokenTTL: refreshTTL,
		operators:       operators,
	}, nil
}

// Login authenticates an operator and returns a pair of tokens.
func (s *AuthService) Login(ctx context.Context, body req.LoginReq) (*resp.TokenResp, error) {
	op, ok := s.operators[body.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(body.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	tokens, err := s.generateTokens(ctx, op.ID, op.Username, op.Role)
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{
		ID:       op.ID,
		Username: op.Username,
		Role:     op.Role,
	}
	return tokens, nil
}

// Refresh rotates the token pair. The presented refresh token must be the
// one currently on the allow-list.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*resp.TokenResp, error) {
	claims, err := s.ParseToken(refreshToken)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s%s", RedisKeyPrefix, claims.UserID)
	storedToken, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if storedToken != refreshToken {
		return nil, ErrTokenInvalid
	}

	tokens, err := s.generateTokens(ctx, claims.UserID, claims.Username, claims.Role)
	if err != nil {
		return nil, err
	}
	tokens.User = resp.UserInfo{ID: claims.UserID, Username: claims.Username, Role: claims.Role}
	return tokens, nil
}

func (s *AuthService) Logout(ctx context.Context, userID string) error {
	key := fmt.Sprintf("%s%s", RedisKeyPrefix, userID)
	return s.redis.Del(ctx, key).Err()
}

// ParseToken validates signature and expiry of an access or refresh token.
func (s *AuthService) ParseToken(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (s *AuthService) generateTokens(ctx context.Context, userID, username, role string) (*resp.TokenResp, error) {
	now := time.Now()
	atClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, atClaims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	rtClaims := UserClaims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			ID:        uuid.New().String(),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, rtClaims).SignedString(s.signingKey)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s%s", RedisKeyPrefix, userID)
	if err := s.redis.Set(ctx, key, refreshToken, s.refreshTokenTTL).Err(); err != nil {
		return nil, err
	}

	return &resp.TokenResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL.Seconds()),
	}, nil
}
