package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/orchestrator"
	"github.com/sells-group/catalog-curator/internal/rollback"
	"github.com/sells-group/catalog-curator/internal/store"
)

// maxBodyBytes caps request payloads.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidJobState), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidSettings), errors.Is(err, orchestrator.ErrNoTargets),
		errors.Is(err, rollback.ErrChangeMismatch), errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := errorBody{Error: err.Error()}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		body.Error = "invalid request"
		for _, fe := range verrs {
			body.Fields = append(body.Fields, fe.Field()+": "+fe.Tag())
		}
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v and validates its struct tags.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := model.ValidateStruct(v); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func queryFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}
