package http

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/cursor"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/lifecycle"
	"github.com/rangekeeper/rangekeeper/internal/migrate"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/internal/scheduler"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Catalog reads boundaries and partition ranges.
type Catalog interface {
	partition.Registry
	Partitions(ctx context.Context, table string) ([]types.PartitionRange, error)
}

// Controller advances boundaries.
type Controller interface {
	EnsureBoundaryAhead(ctx context.Context, table string, lead types.Interval) (*lifecycle.AdvanceResult, error)
	Plan(ctx context.Context, table string, lead types.Interval) (*lifecycle.AdvancePlan, error)
}

// Scheduler runs configured migration jobs on demand.
type Scheduler interface {
	Job(runID string) (types.MigrationJob, bool)
	TriggerMigration(ctx context.Context, runID string) (*migrate.RunSummary, error)
	Status() scheduler.Status
}

// AdminHandler serves the admin API.
type AdminHandler struct {
	catalog    Catalog
	controller Controller
	cursors    cursor.Store
	scheduler  Scheduler
	leads      map[string]types.Interval
	stats      *observability.ActivityStats
	metrics    *observability.MetricsCollector
	started    time.Time

	// runCtx bounds asynchronously triggered migrations.
	runCtx context.Context
}

// NewAdminHandler creates the admin handler. leads holds the configured lead
// per managed table, used when a request does not name one.
func NewAdminHandler(catalog Catalog, controller Controller, cursors cursor.Store, leads map[string]types.Interval) *AdminHandler {
	if leads == nil {
		leads = make(map[string]types.Interval)
	}
	return &AdminHandler{
		catalog:    catalog,
		controller: controller,
		cursors:    cursors,
		leads:      leads,
		started:    time.Now(),
		runCtx:     context.Background(),
	}
}

// WithScheduler enables the migration and scheduler endpoints.
func (h *AdminHandler) WithScheduler(s Scheduler) *AdminHandler {
	h.scheduler = s
	return h
}

// WithStats enables GET /v1/stats.
func (h *AdminHandler) WithStats(s *observability.ActivityStats) *AdminHandler {
	h.stats = s
	return h
}

// WithMetrics mounts the Prometheus handler at the collector's path.
func (h *AdminHandler) WithMetrics(m *observability.MetricsCollector) *AdminHandler {
	h.metrics = m
	return h
}

// WithRunContext sets the context of migrations triggered without ?wait.
func (h *AdminHandler) WithRunContext(ctx context.Context) *AdminHandler {
	h.runCtx = ctx
	return h
}

// Routes returns the admin mux wrapped in the default middleware.
func (h *AdminHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /v1/tables/{table}/boundaries", h.boundaries)
	mux.HandleFunc("GET /v1/tables/{table}/partitions", h.partitions)
	mux.HandleFunc("POST /v1/tables/{table}/advance", h.advance)
	mux.HandleFunc("GET /v1/cursors", h.listCursors)
	mux.HandleFunc("GET /v1/cursors/{run}", h.getCursor)
	mux.HandleFunc("POST /v1/migrations/{run}/run", h.runMigration)
	mux.HandleFunc("GET /v1/scheduler", h.schedulerStatus)
	mux.HandleFunc("GET /v1/stats", h.topStats)

	handler := DefaultMiddleware()(mux)
	if h.metrics == nil {
		return handler
	}
	root := http.NewServeMux()
	root.Handle(h.metrics.MetricsPath(), h.metrics.Handler())
	root.Handle("/", handler)
	return root
}

func (h *AdminHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// BoundariesResponse lists a table's boundaries.
type BoundariesResponse struct {
	Table      string   `json:"table"`
	Boundaries []string `json:"boundaries"`
	Max        string   `json:"max,omitempty"`
}

func (h *AdminHandler) boundaries(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	bs, err := h.catalog.ListBoundaries(r.Context(), table)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := BoundariesResponse{Table: table, Boundaries: partition.Strings(bs)}
	if hi, ok := partition.MaxBoundary(bs); ok {
		resp.Max = hi.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) partitions(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	parts, err := h.catalog.Partitions(r.Context(), table)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"table": table, "partitions": parts})
}

// advance runs EnsureBoundaryAhead. ?lead= overrides the configured lead;
// ?dry_run=true returns the plan without splitting.
func (h *AdminHandler) advance(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	lead, ok := h.leads[table]
	if v := r.URL.Query().Get("lead"); v != "" {
		parsed, err := types.ParseInterval(v)
		if err != nil {
			writeErr(w, r, rkerrors.NewValidationError(rkerrors.CodeInvalidInterval, err.Error()))
			return
		}
		lead, ok = parsed, true
	}
	if !ok {
		writeErr(w, r, rkerrors.NewValidationError(rkerrors.CodeInvalidInterval,
			"table "+table+" has no configured lead; pass ?lead="))
		return
	}

	if dry, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dry {
		plan, err := h.controller.Plan(r.Context(), table, lead)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	log.Printf("api/http: advance of %s triggered (lead %s, request_id=%s)", table, lead, GetRequestID(r.Context()))
	res, err := h.controller.EnsureBoundaryAhead(r.Context(), table, lead)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) listCursors(w http.ResponseWriter, r *http.Request) {
	cs, err := h.cursors.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if cs == nil {
		cs = []types.MigrationCursor{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cursors": cs})
}

func (h *AdminHandler) getCursor(w http.ResponseWriter, r *http.Request) {
	c, err := h.cursors.Load(r.Context(), r.PathValue("run"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// runMigration starts a configured job. With ?wait=true the response carries
// the run summary; otherwise the run continues in the background.
func (h *AdminHandler) runMigration(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running", GetRequestID(r.Context()))
		return
	}
	runID := r.PathValue("run")
	if _, ok := h.scheduler.Job(runID); !ok {
		writeErr(w, r, rkerrors.New(rkerrors.ErrCategoryMigration, rkerrors.CodeJobNotFound,
			"no migration job "+runID+" is configured"))
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		summary, err := h.scheduler.TriggerMigration(r.Context(), runID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	log.Printf("api/http: migration %s triggered (request_id=%s)", runID, GetRequestID(r.Context()))
	go func() {
		if _, err := h.scheduler.TriggerMigration(h.runCtx, runID); err != nil {
			log.Printf("api/http: [WARN] triggered migration %s failed: %v", runID, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
}

func (h *AdminHandler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *AdminHandler) topStats(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer", GetRequestID(r.Context()))
			return
		}
		n = parsed
	}
	var top []observability.SubjectStats
	if h.stats != nil {
		top = h.stats.Top(n)
	}
	if top == nil {
		top = []observability.SubjectStats{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subjects": top})
}
