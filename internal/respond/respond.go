// Package respond writes the API's {success, data|error} envelope.
package respond

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code      string `json:"code"`
	Invariant string `json:"invariant,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Envelope is every API response.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// OK writes a success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// Error writes err with the status its kind maps to. Internal errors are
// logged and replaced with a generic message.
func Error(c *gin.Context, err error) {
	status, body := build(c, err)
	c.JSON(status, Envelope{Error: body})
}

// Abort is Error for middleware.
func Abort(c *gin.Context, err error) {
	status, body := build(c, err)
	c.AbortWithStatusJSON(status, Envelope{Error: body})
}

func build(c *gin.Context, err error) (int, *ErrorBody) {
	kind := errs.KindOf(err)
	body := &ErrorBody{
		Code:      kind.String(),
		Invariant: errs.InvariantOf(err),
		Message:   errs.MessageOf(err),
		Retryable: errs.Retryable(err),
	}
	if kind == errs.KindInternal {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		body.Message = "internal error"
	}
	return errs.HTTPStatus(err), body
}
