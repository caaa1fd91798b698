package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	ctxUserID     = "user_id"
	headerUserID  = "X-User-ID"
	sessionUserID = "user_id"
)

var (
	errTokenMissing = errors.New("missing token")
	errTokenRevoked = errors.New("token has been revoked")
	errNoSubject    = errors.New("token has no subject")
)

// Claims carries the user id in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Revocations answers whether a token id was revoked. *redis.Client satisfies it.
type Revocations interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// JWTValidator checks HS256 tokens and an optional revocation list.
type JWTValidator struct {
	secret        []byte
	revocations   Revocations
	revocationKey string
}

func NewJWTValidator(secret string, revocations Revocations, revocationKey string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), revocations: revocations, revocationKey: revocationKey}
}

func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return nil, errNoSubject
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// fail open: a redis outage must not lock every user out
		log.Error().Err(err).Str("module", "adapters.http").Msg("revocation check failed")
	}
	if revoked {
		return nil, errTokenRevoked
	}
	return claims, nil
}

func (v *JWTValidator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.revocations == nil || jti == "" {
		return false, nil
	}
	n, err := v.revocations.Exists(ctx, v.revocationKey+":"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return n == 1, nil
}

func bearerToken(c *gin.Context, queryParam string) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query(queryParam)
}

// JWTMiddleware rejects requests without a valid token and stores its subject as user_id.
func JWTMiddleware(v *JWTValidator, queryParam string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c, queryParam)
		if raw == "" {
			metrics.AuthFailures.WithLabelValues("missing_token").Inc()
			abortError(c, http.StatusUnauthorized, errTokenMissing.Error())
			return
		}
		claims, err := v.ValidateToken(c.Request.Context(), raw)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, errTokenRevoked) {
				reason = "revoked_token"
			}
			metrics.AuthFailures.WithLabelValues(reason).Inc()
			log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("authentication failed")
			abortError(c, http.StatusUnauthorized, "invalid token")
			return
		}
		c.Set(ctxUserID, claims.Subject)
		c.Next()
	}
}

// HeaderIdentityMiddleware trusts the X-User-ID header and remembers it in the
// cookie session, so a browser keeps its identity across requests.
func HeaderIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		uid := strings.TrimSpace(c.GetHeader(headerUserID))
		if uid != "" {
			if prev, _ := sess.Get(sessionUserID).(string); prev != uid {
				sess.Set(sessionUserID, uid)
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("session save failed")
				}
			}
		} else if stored, ok := sess.Get(sessionUserID).(string); ok {
			uid = stored
		}
		if uid != "" {
			c.Set(ctxUserID, uid)
		}
		c.Next()
	}
}

func requireUser(c *gin.Context) {
	if c.GetString(ctxUserID) == "" {
		metrics.AuthFailures.WithLabelValues("no_identity").Inc()
		abortError(c, http.StatusUnauthorized, "user identity required")
		return
	}
	c.Next()
}

func userOf(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(ctxUserID))
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
