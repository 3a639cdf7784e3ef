package controlapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// processClaims is the single token minted at process start. There is
// exactly one consumer (the host shell on the same machine), so this is a
// shared-secret handshake rather than a multi-user auth system (spec
// §4.11).
type processClaims struct {
	jwt.RegisteredClaims
}

// issueProcessToken mints a long-lived token for this process's lifetime
// and writes it to tokenFile so the host shell can read it once at launch.
func issueProcessToken(secret, tokenFile string) (string, error) {
	claims := processClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "hedgeedge-control-api",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * 365 * time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", err
	}
	if tokenFile != "" {
		if err := os.WriteFile(tokenFile, []byte(tok), 0o600); err != nil {
			return "", err
		}
	}
	return tok, nil
}

// authMiddleware enforces the bearer token minted by issueProcessToken.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "MISSING_TOKEN", "error": "missing Authorization header"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "INVALID_AUTH_HEADER", "error": "invalid Authorization header"})
			return
		}
		if _, err := jwt.ParseWithClaims(parts[1], &processClaims{}, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		}); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "INVALID_TOKEN", "error": "invalid or expired token"})
			return
		}
		c.Next()
	}
}
