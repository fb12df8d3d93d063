package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/config"
)

const issuer = "chatcore"

// GenerateJWT issues a token whose subject is the user id, valid for the
// configured TTL.
func GenerateJWT(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(config.AppConfig.JWTTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(config.AppConfig.JWTSecret))
	if err != nil {
		return "", errors.Wrap(err, "auth: sign token")
	}
	return signed, nil
}

// ValidateJWT returns the user id carried by a valid token.
func ValidateJWT(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(config.AppConfig.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return "", chaterr.Wrap(chaterr.KindUnauthenticated, "invalid token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", chaterr.ErrUnauthenticated
	}
	return claims.Subject, nil
}
