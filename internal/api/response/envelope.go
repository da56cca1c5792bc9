package response

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeDuplicate       = "DUPLICATE"
	CodeVersionConflict = "VERSION_CONFLICT"
	CodeInvalidState    = "INVALID_STATE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL_ERROR"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Envelope wraps every JSON body the API writes. A duplicate submission
// carries both Data and Error.
type Envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
	Meta   Meta       `json:"meta"`
}

// ErrorBody is the machine-readable half of a failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta ties a response back to the request log line.
type Meta struct {
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

func write(c *gin.Context, status int, env Envelope) {
	id := c.GetString("correlation_id")
	if id == "" {
		id = uuid.NewString()
	}
	env.Meta = Meta{CorrelationID: id, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	c.JSON(status, env)
}

// Success writes data with the given status.
func Success(c *gin.Context, statusCode int, data any) {
	write(c, statusCode, Envelope{Status: statusSuccess, Data: data})
}

// Error writes an error envelope. details may be nil.
func Error(c *gin.Context, statusCode int, code, message string, details any) {
	write(c, statusCode, Envelope{
		Status: statusError,
		Error:  &ErrorBody{Code: code, Message: message, Details: details},
	})
}

// Conflict answers a replayed idempotency key with the resource the key
// already points at.
func Conflict(c *gin.Context, message string, data any) {
	write(c, http.StatusConflict, Envelope{
		Status: statusSuccess,
		Data:   data,
		Error:  &ErrorBody{Code: CodeDuplicate, Message: message},
	})
}

func BadRequest(c *gin.Context, message string, details any) {
	Error(c, http.StatusBadRequest, CodeValidation, message, details)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message, nil)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeInternal, message, nil)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, CodeForbidden, message, nil)
}

// VersionConflict reports a write that lost an optimistic version check.
func VersionConflict(c *gin.Context, message string) {
	Error(c, http.StatusConflict, CodeVersionConflict, message, nil)
}

// InvalidState reports an operation the resource's status forbids.
func InvalidState(c *gin.Context, message string) {
	Error(c, http.StatusConflict, CodeInvalidState, message, nil)
}

func TooLarge(c *gin.Context, message string) {
	Error(c, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message, nil)
}

// RateLimited writes a 429 and a Retry-After header rounded up to whole
// seconds, never less than one.
func RateLimited(c *gin.Context, retryAfter time.Duration, message string, details any) {
	seconds := max(int(math.Ceil(retryAfter.Seconds())), 1)
	c.Header("Retry-After", strconv.Itoa(seconds))
	Error(c, http.StatusTooManyRequests, CodeRateLimited, message, details)
}
