package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-energy-api/internal/fault"
)

// Version is the only JSON-RPC protocol version served
const Version = "2.0"

// JSON-RPC error codes used by the front door
const (
	CodeParseError    = -32700
	CodeInternalError = -32603
)

// Response represents a JSON-RPC 2.0 response envelope
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error represents a JSON-RPC error object
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData names the settlement error kind behind a failure
type ErrorData struct {
	Kind string `json:"kind"`
}

// Handle writes result on success and a classified error envelope otherwise
func Handle(c *gin.Context, id json.RawMessage, result interface{}, err error) {
	if err == nil {
		Success(c, id, result)
		return
	}

	var fe *fault.Error
	if !errors.As(err, &fe) && fault.KindOf(err) == fault.InternalError {
		Fail(c, http.StatusOK, id, CodeInternalError, "Internal error", fault.InternalError)
		return
	}
	Fail(c, http.StatusOK, id, CodeInternalError, err.Error(), fault.KindOf(err))
}

// Success sends a result envelope
func Success(c *gin.Context, id json.RawMessage, result interface{}) {
	c.JSON(http.StatusOK, Response{
		JSONRPC: Version,
		Result:  result,
		ID:      id,
	})
}

// Fail sends an error envelope carrying kind in error.data
func Fail(c *gin.Context, status int, id json.RawMessage, code int, message string, kind fault.Kind) {
	c.JSON(status, Response{
		JSONRPC: Version,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    &ErrorData{Kind: kind.String()},
		},
		ID: id,
	})
}

// MethodNotFound sends the error for an unrecognised method name
func MethodNotFound(c *gin.Context, id json.RawMessage, method string) {
	c.JSON(http.StatusOK, Response{
		JSONRPC: Version,
		Error: &Error{
			Code:    CodeInternalError,
			Message: "Method " + method + " not found",
		},
		ID: id,
	})
}

// ParseError sends a 500 with a null id
func ParseError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, Response{
		JSONRPC: Version,
		Error: &Error{
			Code:    CodeParseError,
			Message: "Parse error",
		},
	})
}

// InternalError sends a 500 for unhandled failures
func InternalError(c *gin.Context, id json.RawMessage) {
	c.JSON(http.StatusInternalServerError, Response{
		JSONRPC: Version,
		Error: &Error{
			Code:    CodeInternalError,
			Message: "Internal error",
		},
		ID: id,
	})
}

// Unauthorized sends a 401 error envelope
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		JSONRPC: Version,
		Error: &Error{
			Code:    CodeInternalError,
			Message: message,
		},
	})
}

// TooManyRequests sends a 429 error envelope
func TooManyRequests(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, Response{
		JSONRPC: Version,
		Error: &Error{
			Code:    CodeInternalError,
			Message: "Rate limit exceeded. Please try again later.",
		},
	})
}

// NotFound sends an empty 404
func NotFound(c *gin.Context) {
	c.Status(http.StatusNotFound)
}
