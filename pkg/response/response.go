package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-escrow/pkg/apperr"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
	ErrCodeUpstreamFailure   = "UPSTREAM_FAILURE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a 200 response
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// Created sends a 201 response
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

func write(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	write(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationFailed sends a 400 response for domain validation errors
func ValidationFailed(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeValidationFailed, message)
}

// InvalidSignature sends a 400 response for rejected webhook signatures
func InvalidSignature(c *gin.Context, message string) {
	write(c, http.StatusBadRequest, ErrCodeInvalidSignature, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	write(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	write(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	write(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	write(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// BadGateway sends a 502 response. Callers may retry the whole operation.
func BadGateway(c *gin.Context, message string) {
	write(c, http.StatusBadGateway, ErrCodeUpstreamFailure, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	write(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		ValidationFailed(c, err.Error())
	case apperr.KindNotFound:
		NotFound(c, err.Error())
	case apperr.KindSignature:
		InvalidSignature(c, err.Error())
	case apperr.KindConflict:
		Conflict(c, err.Error())
	case apperr.KindUpstream:
		BadGateway(c, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
		InternalError(c, "An unexpected error occurred")
	}
}
