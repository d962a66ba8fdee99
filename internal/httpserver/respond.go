package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/adscale/sheetgate/internal/sheeterr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// envelope is SheetGate's error response shape: {ok:false, code, error,
// retry_after?} (spec.md §7).
type envelope struct {
	OK         bool    `json:"ok"`
	Code       string  `json:"code"`
	Error      string  `json:"error"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// RespondError writes the taxonomy-tagged error envelope. Any error is
// accepted; errors not tagged with *sheeterr.Error are reported as an
// internal invariant-violation so the caller never sees a bare 500 with no
// machine-readable code.
func RespondError(w http.ResponseWriter, err error) {
	se, ok := sheeterr.As(err)
	if !ok {
		se = sheeterr.Wrap(sheeterr.CodeInvariantViolation, "internal error", err)
	}

	env := envelope{OK: false, Code: string(se.Code), Error: se.Error()}
	if se.RetryAfter > 0 {
		env.RetryAfter = se.RetryAfter.Seconds()
		w.Header().Set("Retry-After", strconv.Itoa(int(se.RetryAfter.Seconds()+0.999)))
	}
	Respond(w, se.HTTPStatus(), env)
}
