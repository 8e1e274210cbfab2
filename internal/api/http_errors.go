package api

import (
	"errors"
	"net/http"

	"github.com/airsalso/dokodemodoor/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Kind {
	case core.KindValidation, core.KindSecurity:
		return http.StatusBadRequest, true
	case core.KindNotFound:
		return http.StatusNotFound, true
	case core.KindState:
		if domErr.Code == core.CodeStateCorrupted {
			return http.StatusInternalServerError, true
		}
		return http.StatusConflict, true
	case core.KindLockContention:
		return http.StatusServiceUnavailable, true
	case core.KindTimeout:
		return http.StatusGatewayTimeout, true
	default:
		return http.StatusInternalServerError, true
	}
}
