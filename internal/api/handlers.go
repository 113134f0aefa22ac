package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/PatientSim/internal/flow"
	"github.com/BTreeMap/PatientSim/internal/models"
)

// chatHandler handles POST /chat.
func (s *Server) chatHandler(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: invalid JSON body", models.ErrBadRequest))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, err)
		return
	}

	owner := strings.TrimSpace(req.UserID)
	if claims := claimsFrom(c); claims != nil && (s.opts.RequireAuth || owner == "") {
		owner = claims.Subject
	}

	res, err := s.chat.HandleTurn(c.Request.Context(), flow.TurnRequest{
		ThreadID: req.ThreadID,
		OwnerID:  owner,
		Message:  req.Message,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Degraded {
		slog.Info("Server.chatHandler: degraded turn", "requestID", c.GetString(requestIDKey), "threadID", req.ThreadID, "created", res.Created)
	}
	writeJSONResponse(c, http.StatusOK, models.ChatResponse{Response: res.Reply, PatientInfo: res.PatientInfo})
}

// sessionsHandler handles GET /sessions/:user_id.
func (s *Server) sessionsHandler(c *gin.Context) {
	owner := strings.TrimSpace(c.Param("user_id"))
	if claims := claimsFrom(c); claims != nil && s.opts.RequireAuth {
		if owner != claims.Subject && owner != claims.Username {
			writeError(c, models.ErrForbidden)
			return
		}
		owner = claims.Subject
	}

	list, err := s.chat.ListSessions(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSONResponse(c, http.StatusOK, list)
}

// registerHandler handles POST /register.
func (s *Server) registerHandler(c *gin.Context) {
	var req models.CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: invalid JSON body", models.ErrBadRequest))
		return
	}
	u, err := s.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSONResponse(c, http.StatusCreated, models.RegisterResponse{Message: "User registered", UserID: u.ID})
}

// loginHandler handles POST /login.
func (s *Server) loginHandler(c *gin.Context) {
	var req models.CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: invalid JSON body", models.ErrBadRequest))
		return
	}
	res, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSONResponse(c, http.StatusOK, models.LoginResponse{
		Message:  "Login successful",
		Token:    res.Token,
		UserID:   res.User.ID,
		Username: res.User.Username,
	})
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *gin.Context) {
	writeJSONResponse(c, http.StatusOK, models.HealthResponse{Status: "ok", Store: s.opts.StoreBackend})
}
