package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenlive/discovery-engine/internal/scanner"
	"github.com/tokenlive/discovery-engine/internal/social"
)

// respond writes the success envelope. message is omitted when empty.
func respond(c *gin.Context, status int, message string, data any) {
	body := gin.H{"success": true, "data": data}
	if message != "" {
		body["message"] = message
	}
	c.JSON(status, body)
}

// respondError writes the error envelope.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success":    false,
		"message":    message,
		"data":       nil,
		"statusCode": status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// respondDomainError maps engine errors onto HTTP statuses.
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, social.ErrValidation):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, social.ErrNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, scanner.ErrScanInProgress):
		respondError(c, http.StatusConflict, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
