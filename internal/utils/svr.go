package utils

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
)

// ExtractBearerToken extracts the authorization token from the gin context.
// The "Bearer " prefix is optional. Returns false if the header is missing.
func ExtractBearerToken(ctx *gin.Context) (string, bool) {
	token := ctx.Request.Header.Get(AuthorizationHeader)
	if token == "" {
		return "", false
	}
	return strings.TrimPrefix(token, BearerPrefix), true
}

// TokenMatches compares in constant time.
func TokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
