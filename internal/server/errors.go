package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"panther/internal/models"
	"panther/internal/privacy"
	"panther/internal/provider"
)

// statusClientClosed is reported when the caller went away mid-turn.
const statusClientClosed = 499

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newErrorBody(message, errType, code string) errorBody {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return payload
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	return c.JSON(status, newErrorBody(message, errType, code))
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, http.StatusText(he.Code), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

// toHTTPError maps a turn failure to a wire error. Decode and internal
// failures never leak their detail.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, models.ErrEmptyUserMessage) || errors.Is(err, models.ErrRoleAlternation) {
		return requestError{Status: http.StatusBadRequest, Message: err.Error(), Type: "invalid_request_error"}
	}

	kind := provider.KindOf(err)
	switch kind {
	case provider.KindConfig, provider.KindUnsupported:
		return requestError{
			Status:  http.StatusBadRequest,
			Message: privacy.SanitizeError(err),
			Type:    "invalid_request_error",
			Code:    string(kind),
		}
	case provider.KindCancelled:
		return requestError{Status: statusClientClosed, Message: "request cancelled", Type: "cancelled", Code: string(kind)}
	case provider.KindTimeout:
		return requestError{Status: http.StatusGatewayTimeout, Message: "upstream provider timed out", Type: "upstream_error", Code: string(kind)}
	case provider.KindTransport, provider.KindHTTP:
		return requestError{Status: http.StatusBadGateway, Message: "upstream provider error", Type: "upstream_error", Code: string(kind)}
	default:
		return requestError{Status: http.StatusInternalServerError, Message: "internal server error", Type: "server_error"}
	}
}
