package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// Ordered: the first sentinel that matches wins.
var errorMappings = []errorMapping{
	{domain.ErrIdempotencyMismatch, http.StatusBadRequest, "idempotency_mismatch", "idempotency token reused with a different request"},
	{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument", "invalid request"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden", "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{domain.ErrAlreadyRegistered, http.StatusConflict, "already_registered", "entity already registered"},
	{domain.ErrVersionConflict, http.StatusConflict, "version_conflict", "version conflict"},
	{domain.ErrCyclicDependency, http.StatusConflict, "cyclic_dependency", "dependency would create a cycle"},
	{domain.ErrDeregistered, http.StatusGone, "deregistered", "entity is deregistered"},
	{domain.ErrTimeout, http.StatusGatewayTimeout, "timeout", "timed out"},
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable", "store unavailable"},
}

// codeErrors maps response codes back to sentinels for the client.
var codeErrors = func() map[string]error {
	m := make(map[string]error, len(errorMappings))
	for _, em := range errorMappings {
		m[em.code] = em.err
	}
	return m
}()

// statusFor maps an error to its HTTP status and body.
func statusFor(err error) (int, ErrorBody) {
	for _, em := range errorMappings {
		if errors.Is(err, em.err) {
			return em.status, ErrorBody{Error: em.message, Code: em.code, Details: err.Error()}
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorBody{Error: http.StatusText(he.Code), Code: "http_error", Details: err.Error()}
	}
	return http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: "internal", Details: err.Error()}
}

// errorHandler replaces echo's default so every failure carries ErrorBody.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.ErrorErr(log.CatAPI, "request failed", err, "method", c.Request().Method, "path", c.Path())
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}
