package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Секрет подписи. В продакшене задаётся через SetJWTSecret.
var jwtSecret []byte

func init() {
	// Случайный секрет по умолчанию: токены живут только в рамках процесса
	jwtSecret = make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		jwtSecret = []byte("development-secret-key-change-in-production")
	}
}

// Claims — утверждения токена движка претензий.
// Bypass даёт носителю обход всех проверок разрешений (админ-режим).
type Claims struct {
	Player string `json:"player"`
	Bypass bool   `json:"bypass"`
	jwt.RegisteredClaims
}

// GenerateJWT создаёт подписанный токен для игрока.
func GenerateJWT(player string, bypass bool) (string, error) {
	claims := &Claims{
		Player: player,
		Bypass: bypass,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "claim-engine",
			Subject:   player,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ValidateJWT проверяет токен и возвращает игрока и флаг обхода.
func ValidateJWT(tokenString string) (player string, isValid bool, bypass bool) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("неожиданный метод подписи")
		}
		return jwtSecret, nil
	})

	if err != nil || !token.Valid {
		return "", false, false
	}

	return claims.Player, true, claims.Bypass
}

// GenerateSecureSecret генерирует новый секрет подписи.
func GenerateSecureSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

// SetJWTSecret устанавливает секрет подписи (для продакшена).
func SetJWTSecret(secret string) error {
	decoded, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return err
	}
	if len(decoded) < 32 {
		return errors.New("секрет должен быть не короче 32 байт")
	}
	jwtSecret = decoded
	return nil
}
