package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/erp/possync/internal/interfaces/http/dto"
)

// RequestIDKey is the header carrying the request ID
const RequestIDKey = "X-Request-ID"

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// getRequestID extracts the request ID from the context
func getRequestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	return c.GetHeader(RequestIDKey)
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, getRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// NotFound sends a 404 not found response
func (h *BaseHandler) NotFound(c *gin.Context, message string) {
	h.Error(c, http.StatusNotFound, dto.ErrCodeNotFound, message)
}

// Duplicate sends a 409 response for a taken global id or natural key
func (h *BaseHandler) Duplicate(c *gin.Context, message string) {
	h.Error(c, http.StatusConflict, dto.ErrCodeDuplicate, message)
}

// Unprocessable sends a 422 validation error response
func (h *BaseHandler) Unprocessable(c *gin.Context, message string) {
	h.Error(c, http.StatusUnprocessableEntity, dto.ErrCodeValidation, message)
}

// HandleError converts domain errors to HTTP responses. Unknown errors
// become a generic 500.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	code, message := dto.FromError(err)
	h.ErrorWithCode(c, code, message)
}
