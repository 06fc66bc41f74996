package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sendbridge/remitd/internal/api/middleware"
	"github.com/sendbridge/remitd/internal/api/problem"
	"github.com/sendbridge/remitd/internal/domain"
)

var localTimeZone = time.UTC

// SetLocalTimeZone sets the zone used alongside UTC in response timestamps.
func SetLocalTimeZone(loc *time.Location) {
	if loc != nil {
		localTimeZone = loc
	}
}

// Timestamps renders one instant in both UTC and the configured local zone.
type Timestamps struct {
	UTC   time.Time `json:"utc"`
	Local time.Time `json:"local"`
}

func RenderTime(t time.Time) Timestamps {
	return Timestamps{UTC: t.UTC(), Local: t.In(localTimeZone)}
}

func RenderTimePtr(t *time.Time) *Timestamps {
	if t == nil {
		return nil
	}
	ts := RenderTime(*t)
	return &ts
}

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message, code string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message, code)
}

// RespondDomainError maps the engine error taxonomy onto HTTP statuses:
// validation and business errors are 400, not-found 404, conflicts 409.
// Anything unclassified is a generic 500 that leaks no internals.
func RespondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var domErr *domain.Error
	if !errors.As(err, &domErr) {
		RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error", "")
		return
	}

	status := http.StatusInternalServerError
	switch domErr.Kind {
	case domain.KindValidation, domain.KindBusiness:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindTransport, domain.KindExhausted:
		// Dispatcher-internal kinds; a caller should never see them, map to
		// a generic failure if one escapes.
		status = http.StatusInternalServerError
	}
	RespondError(w, r, status, domErr.Code, domErr.Message, domErr.Code)
}

// requestAgent resolves the authenticated agent from the JWT context.
func requestAgent(r *http.Request) (uuid.UUID, bool, error) {
	agentID := middleware.AgentIDFromContext(r.Context())
	if agentID == "" {
		return uuid.Nil, false, errors.New("missing agent in auth context")
	}

	id, err := uuid.Parse(agentID)
	if err != nil {
		return uuid.Nil, false, errors.New("invalid agent_id in auth context")
	}

	return id, middleware.RoleFromContext(r.Context()) == "admin", nil
}
