package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/PatientSim/internal/auth"
	"github.com/BTreeMap/PatientSim/internal/models"
)

const internalErrorMessage = "Internal server error"

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error(internalErrorMessage))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response with the given status code.
func writeJSONResponse(c *gin.Context, statusCode int, response any) {
	// Marshal first so encoding errors are caught before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	c.Data(statusCode, "application/json; charset=utf-8", jsonData)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrBadRequest), errors.Is(err, models.ErrUsernameTaken):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with its mapped status. Unexpected errors are logged
// and replaced by a generic message.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Server: request failed", "path", c.FullPath(), "requestID", c.GetString(requestIDKey), "error", err)
		msg = internalErrorMessage
	}
	writeJSONResponse(c, status, models.Error(msg))
}
