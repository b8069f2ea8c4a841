package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/cloo-solutions/cseassist/internal/domain"
)

// SuccessResponse is the {"data": ...} envelope.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse is the {"error": ..., "code": ...} envelope. It is also the
// payload of the "error" stream event.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("write response: %v", err)
		}
	}
}

func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes a request-level error. 400 responses carry VALIDATION_ERROR so
// clients can branch on the code alone.
func Error(w http.ResponseWriter, status int, message string) {
	resp := ErrorResponse{Error: message}
	if status == http.StatusBadRequest {
		resp.Code = domain.ErrCodeValidation
	}
	JSON(w, status, resp)
}

// BodyTooLarge writes the 413 response for a body over limit bytes.
func BodyTooLarge(w http.ResponseWriter, limit int64) {
	JSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
		Error: fmt.Sprintf("request body exceeds %d bytes", limit),
		Code:  domain.ErrCodeValidation,
	})
}

// DecodeJSON decodes the request body into v. On failure it writes the error
// response and returns false: 413 when the body hit the MaxBytesReader limit,
// 400 otherwise.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		BodyTooLarge(w, tooLarge.Limit)
		return false
	}
	Error(w, http.StatusBadRequest, "invalid request body")
	return false
}

// DomainErrorToHTTP maps domain errors to HTTP status codes. The first
// DomainError in the chain decides.
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch domain.ErrorCode(err) {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeConflict:
		return http.StatusConflict
	case domain.ErrCodeInvalidOperation:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeGeneration:
		return http.StatusBadGateway
	case domain.ErrCodeEmbedding:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody converts err into the error envelope. Errors outside the domain
// taxonomy are logged and replaced by a generic message.
func ErrorBody(err error) ErrorResponse {
	code := domain.ErrorCode(err)
	if code == "" {
		log.Printf("unexpected error: %v", err)
		return ErrorResponse{Error: "internal server error", Code: domain.ErrCodeInternalError}
	}
	return ErrorResponse{Error: err.Error(), Code: code}
}

// HandleError writes the status and envelope for err.
func HandleError(w http.ResponseWriter, err error) {
	JSON(w, DomainErrorToHTTP(err), ErrorBody(err))
}

// EventStream writes Server-Sent Events, flushing after each one.
type EventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// OpenEventStream sends the stream headers and a 200 status. Nothing else may
// be written to w afterwards except through the returned stream.
func OpenEventStream(w http.ResponseWriter) *EventStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &EventStream{w: w, rc: http.NewResponseController(w)}
}

// Send writes one event with data as its JSON payload. A non-nil error means
// the client is gone.
func (s *EventStream) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// SendError writes err as an "error" event.
func (s *EventStream) SendError(err error) error {
	return s.Send("error", ErrorBody(err))
}
