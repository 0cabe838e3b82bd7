package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/juju/errors"

	"ecm/internal/http/middleware"
	"ecm/internal/repository"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestIDFromCtx extracts request_id previously stored by middleware.RequestID.
func requestIDFromCtx(c *fiber.Ctx) string {
	if v := c.Locals(middleware.RequestIDLocalKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// writeError writes a standardized JSON error response without leaking internal errors.
func writeError(c *fiber.Ctx, status int, code, message string) error {
	res := errorPayload{
		RequestID: requestIDFromCtx(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	}
	return c.Status(status).JSON(res)
}

// statusOf maps an error kind to an HTTP status and a machine readable code.
func statusOf(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, codeOf(fe.Code)
	}
	switch {
	case errors.Is(err, errors.NotFound):
		return fiber.StatusNotFound, codeOf(fiber.StatusNotFound)
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest):
		return fiber.StatusBadRequest, codeOf(fiber.StatusBadRequest)
	case errors.Is(err, errors.Forbidden), errors.Is(err, errors.Unauthorized):
		return fiber.StatusForbidden, codeOf(fiber.StatusForbidden)
	case errors.Is(err, errors.AlreadyExists), errors.Is(err, repository.ErrConcurrentUpdate):
		return fiber.StatusConflict, codeOf(fiber.StatusConflict)
	case errors.Is(err, errors.NotSupported), errors.Is(err, errors.NotImplemented):
		return fiber.StatusNotImplemented, codeOf(fiber.StatusNotImplemented)
	}
	return fiber.StatusInternalServerError, codeOf(fiber.StatusInternalServerError)
}

func codeOf(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case fiber.StatusConflict:
		return "CONFLICT"
	case fiber.StatusNotImplemented:
		return "NOT_SUPPORTED"
	case fiber.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}

var messages = map[string]string{
	"BAD_REQUEST":         "bad request",
	"FORBIDDEN":           "forbidden",
	"NOT_FOUND":           "resource not found",
	"METHOD_NOT_ALLOWED":  "method not allowed",
	"CONFLICT":            "conflicting update",
	"NOT_SUPPORTED":       "not supported",
	"SERVICE_UNAVAILABLE": "service unavailable",
	"INTERNAL_ERROR":      "internal server error",
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, code := statusOf(err)
		return writeError(c, status, code, messages[code])
	}
}
