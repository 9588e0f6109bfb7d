package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/picklistsync/internal/models"
	"github.com/Kerhoff/picklistsync/internal/service"
)

// Server provides the shared shopping list HTTP API and the WebSocket endpoint.
type Server struct {
	svc      *service.Service
	logger   *logrus.Logger
	router   *mux.Router
	realtime http.Handler
	gatherer prometheus.Gatherer

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewServer creates a Server, registers all routes, and returns it. The
// realtime handler serves GET /ws; reg receives the HTTP collectors and is
// exposed on GET /metrics.
func NewServer(svc *service.Service, realtime http.Handler, reg *prometheus.Registry, logger *logrus.Logger) *Server {
	s := &Server{
		svc:      svc,
		logger:   logger,
		router:   mux.NewRouter(),
		realtime: realtime,
		gatherer: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picklist_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "picklist_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(s.requestsTotal, s.requestDuration)
	s.routes()
	return s
}

// Handler returns the http.Handler that can be passed to http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func (s *Server) routes() {
	s.router.Use(s.accessLog)

	// Shared shopping lists
	s.router.HandleFunc("/share", s.handleCreateShare).Methods(http.MethodPost)
	s.router.HandleFunc("/share/{shareId}", s.handleGetShare).Methods(http.MethodGet)
	s.router.HandleFunc("/share/{shareId}/item/{index}", s.handleUpdateItem).Methods(http.MethodPut)
	s.router.HandleFunc("/share/{shareId}/items", s.handleUpdateItems).Methods(http.MethodPut)
	s.router.HandleFunc("/share/{shareId}/picklist", s.handleReplacePicklist).Methods(http.MethodPut)

	// Realtime channel
	if s.realtime != nil {
		s.router.Handle("/ws", s.realtime).Methods(http.MethodGet)
	}

	// Operations
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// accessLog records every request except the WebSocket upgrade, whose
// hijacked connection outlives the handler.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeName(r)
		if route == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		m := httpsnoop.CaptureMetrics(next, w, r)
		s.requestsTotal.WithLabelValues(route, strconv.Itoa(m.Code)).Inc()
		s.requestDuration.WithLabelValues(route).Observe(m.Duration.Seconds())

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   m.Code,
			"duration": m.Duration,
			"bytes":    m.Written,
		}).Debug("handled")
	})
}

func routeName(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.WithError(err).Error("failed to encode JSON response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError maps the service error taxonomy onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		s.respondError(w, http.StatusNotFound,
			"shopping list not found or expired (shared lists are kept for 24 hours)")
	case errors.Is(err, service.ErrValidation):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.WithError(err).Errorf("failed to %s", action)
		s.respondError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// decodeJSON reads the request body into dst and returns an error message on
// failure.  The caller should return immediately when ok == false.
func (s *Server) decodeJSON(r *http.Request, dst any) (ok bool, errMsg string) {
	if r.Body == nil {
		return false, "request body is empty"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return false, fmt.Sprintf("invalid JSON: %v", err)
	}
	return true, ""
}

// pathIndex extracts the {index} path value.
func pathIndex(r *http.Request) (int, error) {
	raw := mux.Vars(r)["index"]
	if raw == "" {
		return 0, fmt.Errorf("missing index in path")
	}
	return strconv.Atoi(raw)
}

// ---------------------------------------------------------------------------
// Shared shopping lists
// ---------------------------------------------------------------------------

type createShareRequest struct {
	Title    string            `json:"title"`
	Picklist []models.LineItem `json:"picklist"`
}

type createShareResponse struct {
	ShareID   string    `json:"shareId"`
	ShareURL  string    `json:"shareUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type updateItemRequest struct {
	PurchasedQuantity *int `json:"purchasedQuantity"`
}

type updateItemResponse struct {
	Index             int `json:"index"`
	PurchasedQuantity int `json:"purchasedQuantity"`
	RequestedQuantity int `json:"requestedQuantity"`
}

type updateItemsRequest struct {
	Updates []models.QuantityUpdate `json:"updates"`
}

type picklistRequest struct {
	Picklist []models.LineItem `json:"picklist"`
}

type picklistResponse struct {
	Picklist []models.LineItem `json:"picklist"`
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	list, err := s.svc.CreateShare(r.Context(), req.Title, req.Picklist)
	if err != nil {
		s.respondServiceError(w, err, "create shared list")
		return
	}

	s.respondJSON(w, http.StatusCreated, createShareResponse{
		ShareID:   list.ShareToken,
		ShareURL:  s.svc.ShareURL(list.ShareToken),
		ExpiresAt: list.ExpiresAt,
	})
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.GetShare(r.Context(), mux.Vars(r)["shareId"])
	if err != nil {
		s.respondServiceError(w, err, "get shared list")
		return
	}

	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid item index")
		return
	}

	var req updateItemRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}
	if req.PurchasedQuantity == nil {
		s.respondError(w, http.StatusBadRequest, "purchasedQuantity is required")
		return
	}

	item, err := s.svc.UpdateItemQuantity(r.Context(), mux.Vars(r)["shareId"], index, *req.PurchasedQuantity)
	if err != nil {
		s.respondServiceError(w, err, "update item")
		return
	}

	s.respondJSON(w, http.StatusOK, updateItemResponse{
		Index:             item.Index,
		PurchasedQuantity: item.PurchasedQuantity,
		RequestedQuantity: item.RequestedQuantity,
	})
}

func (s *Server) handleUpdateItems(w http.ResponseWriter, r *http.Request) {
	var req updateItemsRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	list, err := s.svc.UpdateItemQuantities(r.Context(), mux.Vars(r)["shareId"], req.Updates)
	if err != nil {
		s.respondServiceError(w, err, "update items")
		return
	}

	s.respondJSON(w, http.StatusOK, picklistResponse{Picklist: list.Items})
}

func (s *Server) handleReplacePicklist(w http.ResponseWriter, r *http.Request) {
	var req picklistRequest
	if ok, msg := s.decodeJSON(r, &req); !ok {
		s.respondError(w, http.StatusBadRequest, msg)
		return
	}

	list, err := s.svc.ReplacePicklist(r.Context(), mux.Vars(r)["shareId"], req.Picklist)
	if err != nil {
		s.respondServiceError(w, err, "update picklist")
		return
	}

	s.respondJSON(w, http.StatusOK, picklistResponse{Picklist: list.Items})
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Lists.Ping(r.Context()); err != nil {
		s.logger.WithError(err).Warn("health check failed")
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
