package server

import (
	"errors"
	"net/http"

	"github.com/ankicommunity/ankisyncd/internal/fullsync"
)

// Protocol error kinds. The dispatcher maps these to HTTP status codes;
// anything unrecognized becomes a 500 with details logged, not leaked.
var (
	ErrForbidden  = errors.New("server: authentication required")
	ErrBadRequest = errors.New("server: bad request")
	ErrOldClient  = errors.New("server: client needs upgrade")
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, fullsync.ErrCorrupt):
		return http.StatusBadRequest
	case errors.Is(err, ErrOldClient):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
