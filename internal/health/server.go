package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/redeemer/internal/batch"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
	"github.com/vietddude/redeemer/internal/queue"
)

// Planner builds processes for admin triggers.
type Planner interface {
	Validation(ctx context.Context, code, createdBy string) (*domain.Process, error)
	Redeem(ctx context.Context, code string, allianceID int64, createdBy string, priority int) (*domain.Process, error)
}

// Submitter hands processes to the scheduler.
type Submitter interface {
	Submit(ctx context.Context, proc *domain.Process) (queue.Decision, error)
}

// Admin groups what the admin endpoints need. A nil Admin disables them.
type Admin struct {
	Planner   Planner
	Submitter Submitter
	Processes storage.ProcessRepository
	Codes     storage.GiftCodeRepository
}

// Server provides HTTP endpoints for health monitoring and admin triggers.
type Server struct {
	monitor *Monitor
	admin   *Admin
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, admin *Admin, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		admin:   admin,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
		logger: slog.Default().With("component", "health"),
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	if admin != nil {
		mux.HandleFunc("POST /admin/redeem", s.handleRedeem)
		mux.HandleFunc("POST /admin/validate", s.handleValidate)
		mux.HandleFunc("GET /admin/processes/{id}", s.handleProcess)
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

type redeemRequest struct {
	Code       string `json:"code"`
	AllianceID int64  `json:"alliance_id"`
	CreatedBy  string `json:"created_by"`
	Priority   *int   `json:"priority"`
}

type validateRequest struct {
	Code      string `json:"code"`
	CreatedBy string `json:"created_by"`
}

type submitResponse struct {
	ProcessID string `json:"process_id"`
	Decision  string `json:"decision"`
	Items     int    `json:"items"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" || req.AllianceID == 0 {
		writeError(w, http.StatusBadRequest, "code and alliance_id are required")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "admin"
	}
	priority := domain.PriorityManual
	if req.Priority != nil {
		priority = *req.Priority
	}

	ctx := r.Context()
	if err := s.ensureCode(ctx, req.Code); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	proc, err := s.admin.Planner.Redeem(ctx, req.Code, req.AllianceID, req.CreatedBy, priority)
	if errors.Is(err, batch.ErrNoPlayers) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.submit(w, r, proc)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "admin"
	}

	ctx := r.Context()
	if err := s.ensureCode(ctx, req.Code); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	proc, err := s.admin.Planner.Validation(ctx, req.Code, req.CreatedBy)
	if errors.Is(err, batch.ErrNoValidationPlayer) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.submit(w, r, proc)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, proc *domain.Process) {
	decision, err := s.admin.Submitter.Submit(r.Context(), proc)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.logger.Info("Admin process submitted",
		"process", proc.ID,
		"code", proc.Details.Code,
		"items", len(proc.Details.Items),
		"decision", decision,
	)
	writeJSON(w, http.StatusAccepted, submitResponse{
		ProcessID: proc.ID,
		Decision:  decision.String(),
		Items:     len(proc.Details.Items),
	})
}

// ensureCode registers a code typed in by an operator so the feed
// synchronizer can publish it once a batch has validated it.
func (s *Server) ensureCode(ctx context.Context, code string) error {
	if s.admin.Codes == nil {
		return nil
	}
	_, err := s.admin.Codes.Get(ctx, code)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrCodeNotFound) {
		return err
	}
	err = s.admin.Codes.Create(ctx, &domain.GiftCode{
		Code:   code,
		Status: domain.CodeStatusActive,
		Source: domain.CodeSourceManual,
	})
	if errors.Is(err, storage.ErrCodeExists) {
		return nil
	}
	return err
}

type processResponse struct {
	Process  *domain.Process `json:"process"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	proc, err := s.admin.Processes.GetByID(r.Context(), id)
	if errors.Is(err, storage.ErrProcessNotFound) {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, processResponse{
		Process:  proc,
		Snapshot: batch.TakeSnapshot(proc.ID, proc.Progress),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
