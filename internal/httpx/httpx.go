// Package httpx holds the JSON response helpers shared by HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
)

type errorBody struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError responds with the classified error. Storage and internal
// failures are logged in full and answered generically.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.StorageUnavailable || kind == apperr.Internal {
		log.Error("request failed", zap.Error(err))
	}
	WriteJSON(w, apperr.HTTPStatus(kind), errorBody{
		Success: false,
		Code:    kind.String(),
		Error:   apperr.Public(err),
	})
}

// Decode reads a JSON body into v. Classified errors raised while decoding
// pass through unchanged.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.Wrap(apperr.InvalidInput, "invalid request body", err)
	}
	return nil
}
