package api

import (
	"encoding/json"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/funnel"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

var problemTypes = map[int]string{
	http.StatusBadRequest:          "bad-request",
	http.StatusNotFound:            "not-found",
	http.StatusConflict:            "conflict",
	http.StatusUnprocessableEntity: "validation-error",
	http.StatusInternalServerError: "internal-error",
}

// WriteProblem writes a problem details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	slug, ok := problemTypes[status]
	if !ok {
		slug = "unknown"
	}
	p := Problem{
		Type:     "about:blank#" + slug,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		zap.L().Error("api: encode problem", zap.Error(err))
	}
}

// writeFunnelError maps a funnel error to a response. Only input errors
// carry their message to the client.
func writeFunnelError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case eris.Is(err, funnel.ErrUnknownSession):
		WriteProblem(w, r, http.StatusNotFound, "session not found")
	case eris.Is(err, funnel.ErrInvalidOption), eris.Is(err, funnel.ErrUnknownQuestion):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case eris.Is(err, funnel.ErrWrongStep), eris.Is(err, funnel.ErrAnswered), eris.Is(err, funnel.ErrNotAdvanceable):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: unexpected funnel error", zap.String("path", r.URL.Path), zap.Error(err))
		WriteProblem(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}
