package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/Tyrowin/lingochat/internal/chat"
)

const (
	userIDKey = "userID"
	claimsKey = "tokenClaims"
)

var (
	errAuthNotConfigured = errors.New("authentication is not configured")
	errMissingToken      = errors.New("missing authorization token")
	errInvalidToken      = errors.New("invalid token")
	errInvalidClaims     = errors.New("invalid token claims")
)

// tokenClaims is the identity carried by a verified token. Name, Picture and
// Admin are optional profile claims.
type tokenClaims struct {
	Subject string
	Name    string
	Picture string
	Admin   bool
}

// verifyRequest checks the HMAC-signed token of r, taken from the
// Authorization header or the token query parameter.
func verifyRequest(secret string, r *http.Request) (tokenClaims, error) {
	if secret == "" {
		return tokenClaims{}, errAuthNotConfigured
	}
	tokenString := extractToken(r)
	if tokenString == "" {
		return tokenClaims{}, errMissingToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return tokenClaims{}, errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return tokenClaims{}, errInvalidClaims
	}
	out := tokenClaims{Subject: subjectOf(claims)}
	if out.Subject == "" {
		return tokenClaims{}, errInvalidClaims
	}
	out.Name, _ = claims["name"].(string)
	out.Picture, _ = claims["picture"].(string)
	out.Admin, _ = claims["admin"].(bool)
	return out, nil
}

// JWTAuth rejects requests without a valid HMAC-signed bearer token and
// stores the token's subject as the request's user id.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := verifyRequest(secret, c.Request)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, err.Error())
			return
		}

		c.Set(userIDKey, claims.Subject)
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// profileFromClaims is the profile a verified token vouches for. Users listed
// in AdminUserIDs are admins whatever their token says.
func profileFromClaims(claims tokenClaims, cfg Config) chat.User {
	return chat.User{
		ID:              claims.Subject,
		Name:            claims.Name,
		ProfileImageURL: claims.Picture,
		IsAdmin:         claims.Admin || cfg.isAdmin(claims.Subject),
	}
}

// subjectOf reads the "sub" claim, or "user_id" for tokens that carry it
// instead.
func subjectOf(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	if userID, ok := claims["user_id"].(string); ok {
		return userID
	}
	return ""
}

func extractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(bearerToken, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// currentUser returns the user id set by JWTAuth.
func currentUser(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// currentClaims returns the token claims set by JWTAuth.
func currentClaims(c *gin.Context) (tokenClaims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return tokenClaims{}, false
	}
	claims, ok := v.(tokenClaims)
	return claims, ok
}

// RequestLogger logs each request with its status and latency.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("addr", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
