package middleware

import (
	"net/http"
	"time"

	"nova-ledger/internal/core/domain"
	"nova-ledger/pkg/apperror"
	"nova-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Context keys
	CtxOwner     = "owner"
	CtxIsAdmin   = "is_admin"
	CtxRequestID = "request_id"

	// HeaderIdempotencyKey carries the client-chosen mutation key.
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// ownerClaims are the JWT claims this engine understands. `sub` is the owner
// id, `typ` the owner type, `adm` marks operator tokens.
type ownerClaims struct {
	OwnerType string `json:"typ"`
	Admin     bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth validates the bearer token and stores the caller's owner reference
// on the context.
func JWTAuth(secret, issuer string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		claims := &ownerClaims{}
		token, err := jwt.ParseWithClaims(authHeader[7:], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			log.Debug().Err(err).Msg("token validation failed")
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		ownerType := domain.OwnerType(claims.OwnerType)
		if ownerType != domain.OwnerTypeDriver && ownerType != domain.OwnerTypeMerchant {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}

		c.Set(CtxOwner, domain.OwnerRef{Type: ownerType, ID: claims.Subject})
		c.Set(CtxIsAdmin, claims.Admin)
		c.Next()
	}
}

// AdminOnly gates operator endpoints. Must run after JWTAuth.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin, ok := c.Get(CtxIsAdmin); !ok || isAdmin != true {
			response.Error(c, apperror.ErrInvalidToken())
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestID attaches a request id to the context and response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(CtxRequestID, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery recovers from handler panics.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error_code": "SYS_001",
					"message":    "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

// MaxBodySize caps request body size.
func MaxBodySize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// Owner extracts the authenticated owner reference set by JWTAuth.
func Owner(c *gin.Context) (domain.OwnerRef, bool) {
	v, ok := c.Get(CtxOwner)
	if !ok {
		return domain.OwnerRef{}, false
	}
	owner, ok := v.(domain.OwnerRef)
	return owner, ok
}
