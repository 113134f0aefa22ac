package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/PatientSim/internal/auth"
	"github.com/BTreeMap/PatientSim/internal/models"
	"github.com/BTreeMap/PatientSim/internal/util"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "requestID"
	claimsKey       = "claims"
)

// requestLogger assigns a request ID and logs each request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = util.GenerateRequestID()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)

		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(c.Request.Context(), level, "Server: request handled",
			"requestID", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

// authenticate verifies a bearer token when one is sent. With RequireAuth a
// token is mandatory.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			if s.opts.RequireAuth {
				writeJSONResponse(c, http.StatusUnauthorized, models.Error("authorization required"))
				c.Abort()
				return
			}
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeJSONResponse(c, http.StatusUnauthorized, models.Error("authorization must be a bearer token"))
			c.Abort()
			return
		}
		claims, err := s.auth.Verify(strings.TrimSpace(token))
		if err != nil {
			slog.Debug("Server.authenticate: token rejected", "requestID", c.GetString(requestIDKey), "error", err)
			writeJSONResponse(c, http.StatusUnauthorized, models.Error(auth.ErrInvalidToken.Error()))
			c.Abort()
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// claimsFrom returns the verified token claims, if any.
func claimsFrom(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}
