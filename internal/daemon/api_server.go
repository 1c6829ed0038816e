package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bloom/internal/api"
	"bloom/internal/config"
	"bloom/internal/events"
	"bloom/internal/faults"
	"bloom/internal/logging"
	"bloom/internal/scandb"
	"bloom/internal/scanner"
)

const (
	maxRequestBody     = 1 << 20
	eventsPollWindow   = 25 * time.Second
	defaultEventsLimit = 200
	hardwareTimeout    = 10 * time.Second
)

type apiServer struct {
	bind     string
	logger   *slog.Logger
	daemon   *Daemon
	defaults scanner.Settings

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:     bind,
		logger:   logger,
		daemon:   d,
		defaults: DefaultSettings(cfg),
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.API.Token),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      eventsPollWindow + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/scans", s.operatorOnly(token, s.handleStartScan))
	mux.HandleFunc("POST /api/scans/cancel", s.operatorOnly(token, s.handleCancelScan))
	mux.HandleFunc("GET /api/scans", s.operatorOnly(token, s.handleListScans))
	mux.HandleFunc("GET /api/scans/{id}", s.operatorOnly(token, s.handleGetScan))
	mux.HandleFunc("DELETE /api/scans/{id}", s.operatorOnly(token, s.handleDeleteScan))
	mux.HandleFunc("GET /api/status", s.operatorOnly(token, s.handleStatus))
	mux.HandleFunc("GET /api/hardware", s.operatorOnly(token, s.handleHardware))
	mux.HandleFunc("GET /api/events", s.operatorOnly(token, s.handleEvents))
	mux.HandleFunc("POST /api/camera/preview", s.operatorOnly(token, s.handleStartPreview))
	mux.HandleFunc("DELETE /api/camera/preview", s.operatorOnly(token, s.handleStopPreview))
	mux.HandleFunc("GET /api/camera/preview", s.operatorOnly(token, s.handlePreview))
	mux.Handle("GET /metrics", s.daemon.Metrics().Handler())
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStartScan(w http.ResponseWriter, r *http.Request) {
	req := scanner.Request{Settings: s.defaults}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		s.writeFault(w, fmt.Errorf("%w: invalid request body: %w", faults.ErrValidation, err))
		return
	}

	sess, err := s.daemon.StartScan(req)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.StartScanResponse{
		SessionID:   sess.ID(),
		State:       sess.State(),
		TotalFrames: sess.TotalFrames(),
	})
}

func (s *apiServer) handleCancelScan(w http.ResponseWriter, _ *http.Request) {
	id, ok := s.daemon.CancelScan()
	if !ok {
		s.writeError(w, http.StatusConflict, "no scan is running")
		return
	}
	s.writeJSON(w, http.StatusOK, api.CancelResponse{SessionID: id})
}

func (s *apiServer) handleListScans(w http.ResponseWriter, r *http.Request) {
	filter, err := parseScanFilter(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	page, err := s.daemon.Store().ListScans(r.Context(), filter)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	scans := page.Scans
	if scans == nil {
		scans = []*scandb.Scan{}
	}
	s.writeJSON(w, http.StatusOK, api.ScanListResponse{
		Scans:  scans,
		Total:  page.Total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *apiServer) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	scan, err := s.daemon.Store().GetScan(r.Context(), id)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if scan == nil {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	images, err := s.daemon.Store().ScanImages(r.Context(), id)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ScanDetailResponse{Scan: scan, Images: images})
}

func (s *apiServer) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	err := s.daemon.Store().SoftDeleteScan(r.Context(), r.PathValue("id"))
	if errors.Is(err, scandb.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		s.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *apiServer) handleHardware(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), hardwareTimeout)
	defer cancel()
	status, err := s.daemon.Hardware(ctx)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *apiServer) handleStartPreview(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), hardwareTimeout)
	defer cancel()
	if err := s.daemon.StartPreview(ctx); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.PreviewResponse{Streaming: true})
}

func (s *apiServer) handleStopPreview(w http.ResponseWriter, _ *http.Request) {
	if err := s.daemon.StopPreview(); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PreviewResponse{})
}

func (s *apiServer) handlePreview(w http.ResponseWriter, _ *http.Request) {
	frame, seq, streaming := s.daemon.Preview()
	resp := api.PreviewResponse{Streaming: streaming, Sequence: seq}
	if seq > 0 {
		resp.MediaType = frame.MediaType
		resp.Image = frame.Image
		resp.CapturedAt = frame.CapturedAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	wait := query.Get("wait") == "1" || strings.EqualFold(query.Get("wait"), "true")

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eventsPollWindow)
		defer cancel()
	}

	evts, next, err := s.daemon.Events().Fetch(ctx, since, limit, wait)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Poll window closed; the client resumes from the same cursor.
		evts, next = nil, since
	}
	if evts == nil {
		evts = []events.Event{}
	}
	s.writeJSON(w, http.StatusOK, api.EventsResponse{Events: evts, Next: next})
}

func parseScanFilter(r *http.Request) (scandb.Filter, error) {
	query := r.URL.Query()
	filter := scandb.Filter{
		ExperimentID: strings.TrimSpace(query.Get("experiment")),
		PhenotyperID: strings.TrimSpace(query.Get("phenotyper")),
		PlantID:      strings.TrimSpace(query.Get("plant")),
	}
	if value := strings.TrimSpace(query.Get("wave")); value != "" {
		wave, err := strconv.Atoi(value)
		if err != nil {
			return filter, fmt.Errorf("%w: wave must be an integer", faults.ErrValidation)
		}
		filter.WaveNumber = &wave
	}
	var err error
	if filter.From, err = parseQueryTime(query.Get("from")); err != nil {
		return filter, fmt.Errorf("%w: from: %w", faults.ErrValidation, err)
	}
	if filter.To, err = parseQueryTime(query.Get("to")); err != nil {
		return filter, fmt.Errorf("%w: to: %w", faults.ErrValidation, err)
	}
	filter.IncludeDeleted = query.Get("include_deleted") == "1" || strings.EqualFold(query.Get("include_deleted"), "true")
	if value := query.Get("limit"); value != "" {
		if filter.Limit, err = strconv.Atoi(value); err != nil || filter.Limit < 0 {
			return filter, fmt.Errorf("%w: limit must be a non-negative integer", faults.ErrValidation)
		}
	}
	if value := query.Get("offset"); value != "" {
		if filter.Offset, err = strconv.Atoi(value); err != nil || filter.Offset < 0 {
			return filter, fmt.Errorf("%w: offset must be a non-negative integer", faults.ErrValidation)
		}
	}
	return filter, nil
}

// parseQueryTime accepts RFC3339 or a bare date, read as UTC midnight.
func parseQueryTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 timestamp or YYYY-MM-DD, got %q", value)
	}
	return t, nil
}

func statusForKind(kind faults.Kind) int {
	switch kind {
	case faults.KindValidation:
		return http.StatusBadRequest
	case faults.KindBusy:
		return http.StatusConflict
	case faults.KindChannel:
		return http.StatusServiceUnavailable
	case faults.KindHardware:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeFault(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.log().Warn("api request failed",
			logging.Error(err),
			logging.ErrorKind(string(kind)),
		)
	}
	s.writeJSON(w, status, api.ErrorResponse{
		Error: err.Error(),
		Kind:  string(kind),
		Hint:  faults.Hint(kind),
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
