// Package httputil provides the small set of request/response helpers
// the client and federation routing packages share: decoding a JSON
// body into a Matrix-shaped error on failure, mapping the roomserver's
// error kinds onto HTTP status codes, and tagging every request with a
// correlation id for the request-scoped logger.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matrix-org/util"

	"github.com/Havelet/construct/clientapi/jsonerror"
	"github.com/Havelet/construct/internal/task"
	"github.com/Havelet/construct/roomserver/api"
	"github.com/Havelet/construct/roomserver/storage"
)

// UnmarshalJSONRequest decodes req's body into iface, consuming it.
func UnmarshalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		resp := jsonerror.InternalServerError()
		return &resp
	}
	return UnmarshalJSON(body, iface)
}

func UnmarshalJSON(body []byte, iface interface{}) *util.JSONResponse {
	if !utf8.Valid(body) {
		return &util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.NotJSON("Body contains invalid UTF-8")}
	}
	if err := json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	return nil
}

// ErrorResponse classifies err by the roomserver's error kinds and
// returns the matching status code and Matrix error body: NotFound 404,
// BadRequest 400, AccessDenied 403, Conflict 409, Unauthorized 401,
// Forbidden 403, Unsupported 501, Timeout 504. Anything unclassified
// falls back to a 500.
func ErrorResponse(ctx context.Context, err error) util.JSONResponse {
	msg := err.Error()
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, api.ErrNotFound):
		return util.JSONResponse{Code: http.StatusNotFound, JSON: jsonerror.NotFound(msg)}
	case errors.Is(err, api.ErrBadRequest):
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: jsonerror.BadJSON(msg)}
	case errors.Is(err, api.ErrAccessDenied), errors.Is(err, api.ErrForbidden):
		return util.JSONResponse{Code: http.StatusForbidden, JSON: jsonerror.Forbidden(msg)}
	case errors.Is(err, api.ErrConflict):
		return util.JSONResponse{Code: http.StatusConflict, JSON: jsonerror.RoomInUse(msg)}
	case errors.Is(err, api.ErrUnauthorized):
		return util.JSONResponse{Code: http.StatusUnauthorized, JSON: jsonerror.Unauthorized(msg)}
	case errors.Is(err, api.ErrUnsupported):
		return util.JSONResponse{Code: http.StatusNotImplemented, JSON: jsonerror.Unrecognized(msg)}
	case errors.Is(err, task.ErrTimeout):
		return util.JSONResponse{Code: http.StatusGatewayTimeout, JSON: jsonerror.Unknown(msg)}
	default:
		util.GetLogger(ctx).WithError(err).Error("request failed")
		return jsonerror.InternalServerError()
	}
}

// WriteJSONResponse writes resp to w the way every routing handler's
// return value is ultimately served.
func WriteJSONResponse(w http.ResponseWriter, resp util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	if resp.JSON == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(resp.JSON); err != nil {
		util.GetLogger(context.Background()).WithError(err).Error("failed to encode JSON response")
	}
}

// RequestIDMiddleware attaches a correlation id to each request's
// context logger so log lines across a request's suspension points can
// be stitched back together.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger := util.GetLogger(req.Context()).WithField("req.id", uuid.NewString())
		next.ServeHTTP(w, req.WithContext(util.ContextWithLogger(req.Context(), logger)))
	})
}
