// Package control is the start/stop menu of a headless host: a small HTTP
// surface over the lifecycle controller, plus the Prometheus endpoint.
package control

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cad-bridge/lifecycle"
	"cad-bridge/message"
)

// Lifecycle is the part of *lifecycle.Controller the menu drives.
type Lifecycle interface {
	Start() (string, error)
	Stop() (string, error)
	State() lifecycle.State
	Addr() string
	CanStart() bool
	CanStop() bool
}

// Invoker runs fn on the owning thread and waits for it, the way a menu action
// would run. dispatcher.EventLoop.Call is one.
type Invoker func(ctx context.Context, fn func()) error

type Config struct {
	Lifecycle Lifecycle
	Invoke    Invoker // Nil runs actions on the request goroutine
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Status is the body of GET /status.
type Status struct {
	State    string `json:"state"`
	Address  string `json:"address"`
	CanStart bool   `json:"can_start"`
	CanStop  bool   `json:"can_stop"`
}

// ActionResult is the body of POST /start and POST /stop. Kind is empty on success.
type ActionResult struct {
	Message string            `json:"message"`
	Kind    message.ErrorKind `json:"kind,omitempty"`
}

type handler struct {
	lc     Lifecycle
	invoke Invoker
	logger *zap.Logger
}

// NewHandler returns the control routes.
func NewHandler(cfg Config) http.Handler {
	h := &handler{lc: cfg.Lifecycle, invoke: cfg.Invoke, logger: cfg.Logger}
	if h.invoke == nil {
		h.invoke = func(_ context.Context, fn func()) error {
			fn()
			return nil
		}
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", h.status).Methods(http.MethodGet)
	r.HandleFunc("/start", h.action(h.lc.Start)).Methods(http.MethodPost)
	r.HandleFunc("/stop", h.action(h.lc.Stop)).Methods(http.MethodPost)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, Status{
		State:    h.lc.State().String(),
		Address:  h.lc.Addr(),
		CanStart: h.lc.CanStart(),
		CanStop:  h.lc.CanStop(),
	})
}

func (h *handler) action(fn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			msg string
			err error
		)
		if ierr := h.invoke(r.Context(), func() { msg, err = fn() }); ierr != nil {
			h.logger.Warn("menu action not run", zap.String("path", r.URL.Path), zap.Error(ierr))
			h.write(w, http.StatusServiceUnavailable, ActionResult{Message: ierr.Error()})
			return
		}

		code := http.StatusOK
		result := ActionResult{Message: msg}
		if err != nil {
			result.Kind = message.KindOf(err)
			if result.Kind == message.StartFailed {
				code = http.StatusInternalServerError
			}
		}
		h.write(w, code, result)
	}
}

func (h *handler) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("writing control response", zap.Error(err))
	}
}
