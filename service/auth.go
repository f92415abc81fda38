package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller: one user account on one of
// their devices.
type Principal struct {
	UserId   string
	DeviceId string
}

const sessionTokenLifetime = 30 * 24 * time.Hour

func (s *Service) CreateJWT(userId string, deviceId string) (string, error) {
	if userId == "" {
		return "", errors.New("userId is required")
	}
	// Sync tokens serialize as "{userId}:{watermark}", so a colon in
	// the id would make every token for this user unparseable.
	if strings.Contains(userId, ":") {
		return "", errors.New("userId must not contain ':'")
	}

	claims := jwt.MapClaims{
		"sub": userId,
		"did": deviceId,
		"exp": time.Now().Add(sessionTokenLifetime).Unix(),
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", time.Time{}, err
	}

	if !token.Valid {
		return "", "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", time.Time{}, errors.New("invalid token claims")
	}

	userId, ok := claims["sub"].(string)
	if !ok || userId == "" {
		return "", "", time.Time{}, errors.New("missing sub claim")
	}

	// did may be absent for tokens minted before device binding.
	deviceId, _ := claims["did"].(string)

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return "", "", time.Time{}, errors.New("missing exp claim")
	}
	expiry := time.Unix(int64(expFloat), 0)

	return userId, deviceId, expiry, nil
}

func (s *Service) AuthenticateToken(ctx context.Context, token string) (Principal, error) {
	if len(token) == 0 {
		return Principal{}, fmt.Errorf("%w: token not provided", ErrNotAuthenticated)
	}

	userId, deviceId, _, err := s.VerifyJWT(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	if strings.Contains(userId, ":") {
		return Principal{}, fmt.Errorf("%w: malformed subject", ErrNotAuthenticated)
	}

	return Principal{UserId: userId, DeviceId: deviceId}, nil
}
