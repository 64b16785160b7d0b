package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/campus"
	"github.com/example/campus-pool/internal/dispatch"
	"github.com/example/campus-pool/internal/handshake"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/registry"
	"github.com/example/campus-pool/internal/reputation"
	"github.com/example/campus-pool/internal/storage"
)

const (
	readyTimeout = 2 * time.Second
	wsReadLimit  = 4096
)

// Deps are the collaborators the server wires its services from.
type Deps struct {
	Store    storage.Gateway
	Tally    reputation.TallyStore
	Events   ingest.Publisher
	Registry *registry.Registry
}

type Options struct {
	CORSOrigins []string
}

type Server struct {
	Campus   *campus.Service
	Rides    *handshake.Service
	Ratings  *reputation.Aggregator
	Registry *registry.Registry
	Store    storage.Gateway

	logger   *slog.Logger
	mux      *mux.Router
	handler  http.Handler
	upgrader websocket.Upgrader
}

func NewServer(deps Deps, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = ingest.NopPublisher{}
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(logger, registry.Options{})
	}
	if deps.Tally == nil {
		deps.Tally = reputation.NewGatewayTally(deps.Store)
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	notify := dispatch.NewDispatcher(deps.Registry, logger)
	rides := &handshake.Service{Store: deps.Store, Notify: notify, Events: deps.Events, Logger: logger}
	s := &Server{
		Campus:   &campus.Service{Store: deps.Store, Notify: notify, Events: deps.Events, Logger: logger},
		Rides:    rides,
		Ratings:  &reputation.Aggregator{Store: deps.Store, Tally: deps.Tally, Rides: rides, Events: deps.Events, Logger: logger},
		Registry: deps.Registry,
		Store:    deps.Store,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.CORSOrigins)},
	}
	s.registerMiddleware()
	s.routes()
	s.handler = withCORS(opts.CORSOrigins, s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	// the REST surface is served at the root and under /api
	s.api(s.mux.PathPrefix("/api").Subrouter())
	s.api(s.mux)
}

func (s *Server) api(r *mux.Router) {
	r.HandleFunc("/", s.handleBanner).Methods("GET")
	r.HandleFunc("/ws/{user_id}", s.handleWS)

	r.HandleFunc("/users", s.handleCreateUser).Methods("POST")
	r.HandleFunc("/users", s.handleListUsers).Methods("GET")
	r.HandleFunc("/users/active-drivers/list", s.handleActiveDrivers).Methods("GET")
	r.HandleFunc("/users/{id}", s.handleGetUser).Methods("GET")
	r.HandleFunc("/users/{id}/driving-status", s.handleDrivingStatus).Methods("PUT")
	r.HandleFunc("/users/{id}/location", s.handleUpdateLocation).Methods("PUT")
	r.HandleFunc("/users/{id}/eco-score", s.handleEcoScore).Methods("PUT")

	r.HandleFunc("/driver-routes", s.handlePublishRoute).Methods("POST")
	r.HandleFunc("/driver-routes", s.handleListRoutes).Methods("GET")
	r.HandleFunc("/driver-routes/active", s.handleActiveRoutes).Methods("GET")
	r.HandleFunc("/driver-routes/{driver_id}", s.handleDriverRoutes).Methods("GET")
	r.HandleFunc("/driver-routes/{id}/deactivate", s.handleDeactivateRoute).Methods("PUT")
	r.HandleFunc("/driver-routes/{id}", s.handleDeactivateRoute).Methods("DELETE")

	r.HandleFunc("/ride-requests", s.handleCreateRequest).Methods("POST")
	r.HandleFunc("/ride-requests", s.handleListRequests).Methods("GET")
	r.HandleFunc("/ride-requests/driver/{id}", s.handleDriverRequests).Methods("GET")
	r.HandleFunc("/ride-requests/rider/{id}", s.handleRiderRequests).Methods("GET")
	r.HandleFunc("/ride-requests/{id}", s.handleGetRequest).Methods("GET")
	r.HandleFunc("/ride-requests/{id}/accept", s.handleAccept).Methods("PUT")
	r.HandleFunc("/ride-requests/{id}/reject", s.handleReject).Methods("PUT")
	r.HandleFunc("/ride-requests/{id}/complete", s.handleComplete).Methods("PUT")
	r.HandleFunc("/ride-matches/{id}", s.handleGetMatch).Methods("GET")

	r.HandleFunc("/ratings", s.handleSubmitRating).Methods("POST")
	r.HandleFunc("/ratings/driver/{id}", s.handleDriverRatings).Methods("GET")

	r.HandleFunc("/subscriptions", s.handleCreateSubscription).Methods("POST")
	r.HandleFunc("/subscriptions/{user_id}", s.handleUserSubscriptions).Methods("GET")

	r.HandleFunc("/admin/college/{id}/stats", s.handleCollegeStats).Methods("GET")
	r.HandleFunc("/admin/drivers/{id}/rating/rebuild", s.handleRebuildRating).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"message": "CampusPool API", "version": "1.0.0", "status": "active"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// users

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in campus.CreateUser
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.Campus.CreateUser(r.Context(), in)
	s.respond(w, r, u, err)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Campus.ListUsers(r.Context(), r.URL.Query().Get("college_id"))
	s.respond(w, r, users, err)
}

func (s *Server) handleActiveDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.Campus.ActiveDrivers(r.Context(), r.URL.Query().Get("college_id"))
	s.respond(w, r, map[string]any{"drivers": drivers}, err)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Campus.GetUser(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, u, err)
}

func (s *Server) handleDrivingStatus(w http.ResponseWriter, r *http.Request) {
	isDriving, err := strconv.ParseBool(r.URL.Query().Get("is_driving"))
	if err != nil {
		s.fail(w, r, apperr.Invalid("is_driving", "must be true or false"))
		return
	}
	u, err := s.Campus.SetDriving(r.Context(), mux.Vars(r)["id"], isDriving)
	s.respond(w, r, map[string]any{"success": true, "isDriving": u.IsDriving}, err)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Location string `json:"location"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.Campus.UpdateLocation(r.Context(), mux.Vars(r)["id"], in.Location)
	s.respond(w, r, u, err)
}

func (s *Server) handleEcoScore(w http.ResponseWriter, r *http.Request) {
	score, err := strconv.Atoi(r.URL.Query().Get("eco_score"))
	if err != nil {
		s.fail(w, r, apperr.Invalid("eco_score", "must be an integer"))
		return
	}
	u, err := s.Campus.SetEcoScore(r.Context(), mux.Vars(r)["id"], score)
	s.respond(w, r, map[string]any{"success": true, "ecoScore": u.EcoScore}, err)
}

// routes

func (s *Server) handlePublishRoute(w http.ResponseWriter, r *http.Request) {
	var in campus.PublishRoute
	if !s.decode(w, r, &in) {
		return
	}
	route, err := s.Campus.PublishRoute(r.Context(), in)
	s.respond(w, r, route, err)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.Campus.AllRoutes(r.Context())
	s.respond(w, r, routes, err)
}

func (s *Server) handleActiveRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.Campus.ActiveRoutes(r.Context())
	s.respond(w, r, routes, err)
}

func (s *Server) handleDriverRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.Campus.RoutesForDriver(r.Context(), mux.Vars(r)["driver_id"])
	s.respond(w, r, routes, err)
}

func (s *Server) handleDeactivateRoute(w http.ResponseWriter, r *http.Request) {
	route, err := s.Campus.DeactivateRoute(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, map[string]any{"success": true, "route": route}, err)
}

// ride requests

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in handshake.CreateRequest
	if !s.decode(w, r, &in) {
		return
	}
	req, err := s.Rides.Create(r.Context(), in)
	s.respond(w, r, req, err)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Rides.List(r.Context(), models.RequestStatus(r.URL.Query().Get("status")))
	s.respond(w, r, reqs, err)
}

func (s *Server) handleDriverRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Rides.PendingForDriver(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, map[string]any{"requests": reqs}, err)
}

func (s *Server) handleRiderRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Rides.ForRider(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, map[string]any{"requests": reqs}, err)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Rides.Get(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, req, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	match, err := s.Rides.Accept(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, map[string]any{"success": true, "match": match}, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, err := s.Rides.Reject(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, map[string]any{"success": true, "request": req}, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := s.Rides.Complete(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, map[string]any{"success": true, "request": req}, err)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.Rides.GetMatch(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, m, err)
}

// ratings

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	var in reputation.SubmitRating
	if !s.decode(w, r, &in) {
		return
	}
	rating, err := s.Ratings.Submit(r.Context(), in)
	s.respond(w, r, rating, err)
}

func (s *Server) handleDriverRatings(w http.ResponseWriter, r *http.Request) {
	ratings, err := s.Ratings.ListForDriver(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, ratings, err)
}

func (s *Server) handleRebuildRating(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tally, stars, err := s.Ratings.Rebuild(r.Context(), id)
	s.respond(w, r, map[string]any{"driver_id": id, "rating": stars, "ratings": tally.Count}, err)
}

// subscriptions and admin

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var in campus.CreateSubscription
	if !s.decode(w, r, &in) {
		return
	}
	sub, err := s.Campus.CreateSubscription(r.Context(), in)
	s.respond(w, r, sub, err)
}

func (s *Server) handleUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.Campus.SubscriptionsForUser(r.Context(), mux.Vars(r)["user_id"])
	s.respond(w, r, subs, err)
}

func (s *Server) handleCollegeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Campus.CollegeStats(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, stats, err)
}

// realtime channel

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	s.Registry.Register(userID, conn)
	s.logger.Info("ws connected", "user_id", userID)
	defer func() {
		s.Registry.Release(userID, conn)
		s.logger.Info("ws disconnected", "user_id", userID)
	}()

	// client frames are drained but not interpreted; the server's
	// ReadTimeout must not apply to the hijacked connection
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// helpers

type errorBody struct {
	Error   string              `json:"error"`
	Details []apperr.FieldError `json:"details,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.fail(w, r, apperr.Invalid("body", "malformed JSON: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	body := errorBody{Error: err.Error()}
	var verr apperr.ValidationError
	if errors.As(err, &verr) {
		body.Details = verr.Details
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
