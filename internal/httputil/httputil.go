package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Parse parses the request into the given struct.
// Supports JSON body, path parameters via `path:"name"` tags (chi.URLParam),
// and query parameters via `form:"name"` tags.
func Parse(r *http.Request, v any) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return nil
	}
	val = val.Elem()
	if val.Kind() != reflect.Struct {
		return nil
	}

	// JSON body first so path params win over a stale body field.
	if r.Body != nil && r.ContentLength != 0 {
		contentType := r.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "application/json") || contentType == "" {
			if err := json.NewDecoder(r.Body).Decode(v); err != nil {
				return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: "invalid JSON body"}
			}
		}
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}
		structField := typ.Field(i)

		if pathTag := structField.Tag.Get("path"); pathTag != "" {
			if pathVal := chi.URLParam(r, pathTag); pathVal != "" {
				setFieldValue(field, pathVal)
			}
		}
		if formTag := structField.Tag.Get("form"); formTag != "" {
			if queryVal := r.URL.Query().Get(formTag); queryVal != "" {
				setFieldValue(field, queryVal)
			}
		}
	}

	return nil
}

// setFieldValue sets a struct field value from a string
func setFieldValue(field reflect.Value, value string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(i)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			field.SetUint(i)
		}
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			field.SetFloat(f)
		}
	}
}

// OkJSON writes a JSON response with 200 OK status
func OkJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Error codes surfaced to clients.
const (
	CodeForbidden  = "forbidden"
	CodeRateLimit  = "rate_limit"
	CodeBadRequest = "bad_request"
	CodeOffline    = "offline"
	CodeNotFound   = "not_found"
	CodeInternal   = "internal"
)

// APIError is the structured error body for non-stream responses.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// ResetAt carries a human-readable reset estimate for rate_limit errors.
	ResetAt string `json:"resetAt,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Error writes an error response, mapping typed errors to their status and
// code. Anything unrecognized becomes a generic 500 without internal detail.
func Error(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		WriteJSON(w, apiErr.Status, apiErr)
		return
	}
	WriteJSON(w, http.StatusInternalServerError, &APIError{
		Code:    CodeInternal,
		Message: "something went wrong",
	})
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusForbidden, &APIError{Code: CodeForbidden, Message: message})
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteJSON(w, http.StatusBadRequest, &APIError{Code: CodeBadRequest, Message: message})
}

func NotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "not found"
	}
	WriteJSON(w, http.StatusNotFound, &APIError{Code: CodeNotFound, Message: message})
}

func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	WriteJSON(w, http.StatusUnauthorized, &APIError{Code: "unauthorized", Message: message})
}
