package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// DefaultBodyLimit caps request bodies decoded by DecodeJSON.
const DefaultBodyLimit int64 = 64 * 1024

var (
	// ErrEmptyBody indicates the request carried no payload.
	ErrEmptyBody = errors.New("httpx: request body is empty")
	// ErrBodyTooLarge indicates the payload exceeded the configured limit.
	ErrBodyTooLarge = errors.New("httpx: request body too large")
	// ErrInvalidJSON indicates the payload could not be decoded.
	ErrInvalidJSON = errors.New("httpx: request body is not valid JSON")
)

// DecodeJSON reads at most limit bytes from the request and decodes them into dst.
// Unknown fields are rejected.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return ErrEmptyBody
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return ErrEmptyBody
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.Join(ErrInvalidJSON, err)
	}
	return nil
}

// WriteJSON encodes payload as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
