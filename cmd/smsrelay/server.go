package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"smsrelay/internal/constants"
	apperrors "smsrelay/internal/errors"
	"smsrelay/internal/httputil"
	"smsrelay/internal/middleware"
	"smsrelay/internal/models"
	"smsrelay/internal/queue"
	"smsrelay/internal/service"
	"smsrelay/internal/tracing"
	"smsrelay/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RelayAPI is the operator facade behind the control API
type RelayAPI interface {
	SendTestMessage(ctx context.Context) (queue.EnqueueResult, error)
	QueueState(ctx context.Context) (service.QueueState, error)
	LastStatus(ctx context.Context) (models.LastForwardStatus, error)
	GetCredentials(ctx context.Context) (models.Credentials, error)
	UpdateCredentials(ctx context.Context, update models.CredentialsUpdate) error
	DebugInfo(ctx context.Context) (string, error)
}

// TaskBrowser lists and cancels queued work
type TaskBrowser interface {
	ListByKey(ctx context.Context, key string) ([]queue.TaskInfo, error)
	ListByTag(ctx context.Context, tag string) ([]queue.TaskInfo, error)
	CancelByTag(ctx context.Context, tag string) (queue.CancelResult, error)
}

// MessageListener receives host SMS events
type MessageListener interface {
	OnMessageReceived(ctx context.Context, event models.MessageEvent)
}

// HealthChecker is a dependency probed by /health
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ServerDeps wires the control API to the relay
type ServerDeps struct {
	Relay    RelayAPI
	Tasks    TaskBrowser
	Listener MessageListener
	// Credentials verify signed host events from non-loopback peers
	Credentials service.CredentialReader
	Health      map[string]HealthChecker
}

type Server struct {
	router   *mux.Router
	logger   *logrus.Logger
	errLog   *apperrors.Logger
	deps     ServerDeps
	limiter  *RateLimiter
	address  string
	verbose  bool
	now      func() time.Time
	server   *http.Server
	detailed middleware.DetailedLoggingConfig
}

func NewServer(address string, deps ServerDeps, verbose bool, logger *logrus.Logger) *Server {
	if address == "" {
		address = constants.DefaultServerAddress
	}
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		errLog:   apperrors.WrapLogger(logger),
		deps:     deps,
		limiter:  NewRateLimiter(constants.DefaultHostEventRateLimit, time.Minute),
		address:  address,
		verbose:  verbose,
		now:      time.Now,
		detailed: middleware.DefaultDetailedLoggingConfig(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))
	s.router.Use(middleware.DetailedLoggingMiddleware(s.logger, s.detailed))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	host := v1.PathPrefix("/host").Subrouter()
	host.Use(middleware.HostEventObservabilityMiddleware(s.logger, "host"))
	host.HandleFunc("/sms", s.handleHostSMS()).Methods(http.MethodPost)

	guard := s.requireTrustedPeer
	v1.Handle("/forward/test", guard(s.handleSendTest())).Methods(http.MethodPost)
	v1.Handle("/forward/status", guard(s.handleForwardStatus())).Methods(http.MethodGet)
	v1.Handle("/queue", guard(s.handleListQueue())).Methods(http.MethodGet)
	v1.Handle("/queue/state", guard(s.handleQueueState())).Methods(http.MethodGet)
	v1.Handle("/queue/cancel", guard(s.handleCancelQueue())).Methods(http.MethodPost)
	v1.Handle("/settings", guard(s.handleGetSettings())).Methods(http.MethodGet)
	v1.Handle("/settings", guard(s.handleUpdateSettings())).Methods(http.MethodPut)
	v1.Handle("/debug", guard(s.handleDebugInfo())).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting control API on %s", s.address)
	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make(map[string]string, len(s.deps.Health))
		healthy := true
		for name, checker := range s.deps.Health {
			if err := checker.Ping(ctx); err != nil {
				checks[name] = "unhealthy"
				healthy = false
				s.logger.WithError(err).WithField(service.LogFieldComponent, name).Warn("Health check failed")
				continue
			}
			checks[name] = "healthy"
		}

		status := http.StatusOK
		overall := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}
		s.writeJSON(w, status, map[string]interface{}{
			"status": overall,
			"checks": checks,
		})
	}
}

func (s *Server) handleHostSMS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(httputil.GetClientIP(r)) {
			s.writeError(w, r, apperrors.New(apperrors.ErrCodeRateLimited, "host event rate limit exceeded").
				WithUserMessage("Too many requests"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, constants.MaxHostEventBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				s.writeError(w, r, apperrors.New(apperrors.ErrCodePayloadTooLarge, "host event body too large").
					WithUserMessage("Request body too large"))
				return
			}
			s.writeError(w, r, apperrors.NewValidationError("body", "unreadable request body"))
			return
		}

		if err := verifyHostEvent(r.Context(), r, body, s.deps.Credentials, s.now()); err != nil {
			s.writeError(w, r, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "host event rejected").
				WithUserMessage("Unauthorized"))
			return
		}

		var event models.MessageEvent
		if err := json.Unmarshal(body, &event); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "invalid JSON"))
			return
		}
		if err := validation.ValidateMessageEvent(event); err != nil {
			s.writeError(w, r, err)
			return
		}

		s.deps.Listener.OnMessageReceived(service.WithVerbose(r.Context(), s.verbose), event)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

type enqueueResponse struct {
	TaskID   string   `json:"taskId,omitempty"`
	Created  bool     `json:"created"`
	Replaced int      `json:"replaced"`
	Aborted  []string `json:"aborted,omitempty"`
}

func (s *Server) handleSendTest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.deps.Relay.SendTestMessage(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		resp := enqueueResponse{
			Created:  result.Created,
			Replaced: result.Replaced,
			Aborted:  result.Aborted,
		}
		if result.Task != nil {
			resp.TaskID = result.Task.ID
		}
		s.writeJSON(w, http.StatusAccepted, resp)
	}
}

func (s *Server) handleForwardStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.deps.Relay.LastStatus(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, status)
	}
}

type taskListResponse struct {
	Tasks   []queue.TaskInfo `json:"tasks"`
	Summary string           `json:"summary"`
}

func (s *Server) handleListQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		tag := r.URL.Query().Get("tag")

		var (
			tasks []queue.TaskInfo
			err   error
		)
		switch {
		case key != "" && tag != "":
			s.writeError(w, r, apperrors.NewValidationError("query", "use either key or tag, not both"))
			return
		case key != "":
			tasks, err = s.deps.Tasks.ListByKey(r.Context(), key)
		case tag != "":
			tasks, err = s.deps.Tasks.ListByTag(r.Context(), tag)
		default:
			s.writeError(w, r, apperrors.NewValidationError("query", "key or tag is required"))
			return
		}
		if err != nil {
			s.writeError(w, r, apperrors.NewDatabaseError("list tasks", err))
			return
		}

		if tasks == nil {
			tasks = []queue.TaskInfo{}
		}
		s.writeJSON(w, http.StatusOK, taskListResponse{Tasks: tasks, Summary: queue.Summarize(tasks)})
	}
}

func (s *Server) handleQueueState() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := s.deps.Relay.QueueState(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, state)
	}
}

type cancelResponse struct {
	Cancelled int      `json:"cancelled"`
	Running   []string `json:"running,omitempty"`
}

func (s *Server) handleCancelQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := r.URL.Query().Get("tag")
		if tag == "" {
			s.writeError(w, r, apperrors.NewValidationError("tag", "tag is required"))
			return
		}

		result, err := s.deps.Tasks.CancelByTag(r.Context(), tag)
		if err != nil {
			s.writeError(w, r, apperrors.NewDatabaseError("cancel tasks", err))
			return
		}

		s.logger.WithFields(logrus.Fields{
			service.LogFieldTag:   tag,
			service.LogFieldCount: result.Cancelled,
		}).Info("Cancelled queued work")
		s.writeJSON(w, http.StatusOK, cancelResponse{Cancelled: result.Cancelled, Running: result.Running})
	}
}

func (s *Server) handleGetSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds, err := s.deps.Relay.GetCredentials(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, creds)
	}
}

func (s *Server) handleUpdateSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update models.CredentialsUpdate
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, constants.MaxHostEventBodyBytes))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&update); err != nil {
			s.writeError(w, r, apperrors.NewValidationError("body", "invalid settings JSON"))
			return
		}

		if err := s.deps.Relay.UpdateCredentials(r.Context(), update); err != nil {
			s.writeError(w, r, err)
			return
		}

		creds, err := s.deps.Relay.GetCredentials(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, creds)
	}
}

func (s *Server) handleDebugInfo() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.deps.Relay.DebugInfo(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, info)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", constants.ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if code := apperrors.HTTPStatusCode(err); code != 0 {
		status = code
	}

	requestID := tracing.GetRequestID(r.Context())
	fields := logrus.Fields{
		service.LogFieldRequestID:  requestID,
		service.LogFieldURL:        r.URL.Path,
		service.LogFieldStatusCode: status,
	}
	if status >= http.StatusInternalServerError {
		s.errLog.LogError(err, "Control API request failed", fields)
	} else {
		s.errLog.LogWarn(err, "Control API request rejected", fields)
	}

	s.writeJSON(w, status, apperrors.ToHTTPResponse(err, requestID))
}
