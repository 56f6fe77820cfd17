package errutil

import "net/http"

type CoreStatus string

const (
	StatusBadRequest       CoreStatus = "bad_request"
	StatusValidationFailed CoreStatus = "validation_failed"
	StatusNotFound         CoreStatus = "not_found"
	StatusConflict         CoreStatus = "conflict"
	StatusInternal         CoreStatus = "internal"
	StatusBadGateway       CoreStatus = "bad_gateway"
	StatusTimeout          CoreStatus = "timeout"
	StatusUnknown          CoreStatus = "unknown"
)

// HTTPStatus converts the CoreStatus to its closest HTTP status code equivalent.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusBadGateway:
		return http.StatusBadGateway
	case StatusInternal, StatusUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
