package api

import (
	"fmt"
	"net/http"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/gin-gonic/gin"
)

var (
	ErrBadRequest        = apperr.New(apperr.KindValidation, "BadRequest", "malformed request")
	ErrSignatureRequired = apperr.New(apperr.KindAuthorization, "SignatureRequired", "request must carry an EIP-712 signature")
	ErrSignerMismatch    = apperr.New(apperr.KindAuthorization, "SignerMismatch", "signature was produced by a different address")
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindState:
		return http.StatusConflict
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(StatusFor(err), errorResponse{
		Error:     err.Error(),
		Code:      apperr.CodeOf(err),
		Retryable: apperr.Retryable(err),
	})
}

func badRequest(c *gin.Context, err error) {
	fail(c, ErrBadRequest.WithCause(err))
}

func errFieldConflict(field string) error {
	return fmt.Errorf("%s: give either %s or %s_handle, not both", field, field, field)
}

func errFieldMissing(field string) error {
	return fmt.Errorf("%s: %s or %s_handle required", field, field, field)
}
