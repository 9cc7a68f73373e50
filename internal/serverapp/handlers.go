package serverapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"hierplan/internal/compiler"
	"hierplan/internal/logging"
	"hierplan/internal/metadata"
	"hierplan/internal/observability"
	"hierplan/internal/plan"
)

const (
	planRoute    = "/v1/destinations/{destinationID}/plan"
	handlesRoute = "/v1/destinations/{destinationID}/handles"
)

// errBindingNotFound is returned when a requested root binding does not
// target the requested destination.
var errBindingNotFound = errors.New("binding not found")

// planQuery is one plan request, from HTTP query parameters or the compile
// section of the configuration.
type planQuery struct {
	DestinationID int64
	// BindingID selects the compilation root; zero means the topmost binding.
	BindingID int64
	Execution compiler.Execution
}

// requestError marks a failure caused by the request itself rather than by
// compilation.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// compilePlan resolves the destination and optional root binding, then
// compiles the plan.
func compilePlan(ctx context.Context, source metadata.Source, c *compiler.Compiler, q planQuery) (*plan.JobData, error) {
	destination, err := metadata.DestinationWithFields(ctx, source, q.DestinationID)
	if err != nil {
		if errors.Is(err, metadata.ErrEntityNotFound) {
			return nil, &requestError{status: http.StatusNotFound, err: fmt.Errorf("destination %d: %w", q.DestinationID, err)}
		}
		return nil, err
	}

	var root metadata.Binding
	if q.BindingID != 0 {
		bindings, err := source.BindingsForDestination(ctx, q.DestinationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load bindings for destination %d: %w", q.DestinationID, err)
		}
		found := false
		for _, b := range bindings {
			if b.ID == q.BindingID {
				root, found = b, true
				break
			}
		}
		if !found {
			return nil, &requestError{
				status: http.StatusNotFound,
				err:    fmt.Errorf("%w: binding %d for destination %d", errBindingNotFound, q.BindingID, q.DestinationID),
			}
		}
	}

	return c.Compile(ctx, compiler.Request{
		Binding:     root,
		Destination: destination,
		Execution:   q.Execution,
	})
}

// statusForError maps a compilation failure to an HTTP status.
func statusForError(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.status
	case compiler.IsStructural(err), compiler.IsData(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type planHandlers struct {
	source   metadata.Source
	compiler *compiler.Compiler
	metrics  *observability.HTTPMetrics
}

func (a *App) newPlanHandlers() *planHandlers {
	return &planHandlers{
		source:   a.source,
		compiler: a.compiler,
		metrics:  a.httpMetrics(),
	}
}

func (h *planHandlers) plan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqLogger := logging.FromContext(ctx)

	q, err := parsePlanQuery(r)
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}

	job, err := compilePlan(ctx, h.source, h.compiler, q)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			reqLogger.Error("plan compilation failed",
				slog.Int64("destination_id", q.DestinationID),
				slog.String("error", err.Error()),
			)
		}
		h.fail(w, r, status, err)
		return
	}

	reqLogger.Debug("plan compiled",
		slog.Int64("destination_id", q.DestinationID),
		slog.Int("data_sources", len(job.DataSources)),
	)
	h.metrics.RecordPlanRequest(ctx, http.StatusOK)
	writeJSON(w, http.StatusOK, job)
}

func (h *planHandlers) handles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	destinationID, err := parsePositiveID(r.PathValue("destinationID"), "destination id")
	if err != nil {
		h.fail(w, r, http.StatusBadRequest, err)
		return
	}

	destination, err := h.source.Entity(ctx, destinationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, metadata.ErrEntityNotFound) {
			status = http.StatusNotFound
		}
		h.fail(w, r, status, err)
		return
	}

	ok, err := h.compiler.HandlesDestination(ctx, destination)
	if err != nil {
		h.fail(w, r, statusForError(err), err)
		return
	}
	h.metrics.RecordPlanRequest(ctx, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]bool{"handles": ok})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (h *planHandlers) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	h.metrics.RecordPlanRequest(r.Context(), status)

	body := errorBody{Error: err.Error(), Kind: compiler.ErrorKind(err)}
	if status >= http.StatusInternalServerError {
		body = errorBody{Error: http.StatusText(status)}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parsePlanQuery(r *http.Request) (planQuery, error) {
	var q planQuery
	var err error

	q.DestinationID, err = parsePositiveID(r.PathValue("destinationID"), "destination id")
	if err != nil {
		return planQuery{}, err
	}

	values := r.URL.Query()
	if raw := values.Get("binding"); raw != "" {
		if q.BindingID, err = parsePositiveID(raw, "binding"); err != nil {
			return planQuery{}, err
		}
	}
	if raw := values.Get("binding_execution"); raw != "" {
		if q.Execution.BindingExecutionID, err = parsePositiveID(raw, "binding_execution"); err != nil {
			return planQuery{}, err
		}
	}
	if q.Execution.LoadType, err = compiler.ParseLoadType(values.Get("load_type")); err != nil {
		return planQuery{}, err
	}
	if raw := values.Get("incremental_start"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return planQuery{}, fmt.Errorf("invalid incremental_start %q: must be RFC3339", raw)
		}
		q.Execution.IncrementalStart = &ts
	}
	return q, nil
}

func parsePositiveID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", name, raw)
	}
	return id, nil
}
