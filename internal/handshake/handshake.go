// Package handshake implements the ride-request lifecycle:
//
//	pending -> accepted -> completed
//	pending -> rejected
//
// Every transition is a conditional update on the request's status field,
// so two drivers (or two retries) racing on the same request produce one
// winner and one Conflict.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/observability"
	"github.com/example/campus-pool/internal/storage"
	"github.com/example/campus-pool/internal/validation"
)

const (
	CarbonSavedPerRide = 2.5
	RiderBonus         = 10
	DriverBonus        = 15
	SplitCost          = 50
)

// Notifier pushes handshake events to the affected user.
type Notifier interface {
	RideRequested(req models.RideRequest)
	RideAccepted(match models.RideMatch)
}

type CreateRequest struct {
	RiderID        string `json:"rider_id" validate:"required"`
	RiderName      string `json:"rider_name" validate:"required"`
	DriverID       string `json:"driver_id" validate:"required"`
	DriverName     string `json:"driver_name"`
	RouteID        string `json:"route_id" validate:"required"`
	PickupLocation string `json:"pickup_location" validate:"required"`
	PickupTime     string `json:"pickup_time"`
}

type Service struct {
	Store  storage.Gateway
	Notify Notifier
	Events ingest.Publisher
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func (s *Service) Create(ctx context.Context, in CreateRequest) (models.RideRequest, error) {
	if err := validation.Struct(in); err != nil {
		return models.RideRequest{}, err
	}

	var route models.DriverRoute
	if err := s.Store.FindOne(ctx, models.RoutesCollection, storage.Filter{"id": in.RouteID}, &route); err != nil {
		return models.RideRequest{}, lookupErr("route", "load route", err)
	}
	if !route.IsActive {
		return models.RideRequest{}, apperr.Conflict("route", "route is not active")
	}
	if route.DriverID != in.DriverID {
		return models.RideRequest{}, apperr.Invalid("driver_id", "does not own the requested route")
	}
	if in.RiderID == in.DriverID {
		return models.RideRequest{}, apperr.Invalid("rider_id", "cannot request a seat on your own route")
	}
	var rider models.User
	if err := s.Store.FindOne(ctx, models.UsersCollection, storage.Filter{"id": in.RiderID}, &rider); err != nil {
		return models.RideRequest{}, lookupErr("user", "load rider", err)
	}

	driverName := in.DriverName
	if driverName == "" {
		driverName = route.DriverName
	}
	req := models.RideRequest{
		ID:             s.newID(),
		RiderID:        in.RiderID,
		RiderName:      in.RiderName,
		DriverID:       in.DriverID,
		DriverName:     driverName,
		RouteID:        in.RouteID,
		PickupLocation: in.PickupLocation,
		PickupTime:     in.PickupTime,
		Status:         models.StatusPending,
		CreatedAt:      s.now(),
	}
	if err := s.Store.Insert(ctx, models.RideRequestsCollection, req); err != nil {
		return models.RideRequest{}, apperr.Dependency("insert ride request", err)
	}
	observability.HandshakeTransitions.WithLabelValues(string(models.StatusPending)).Inc()

	if s.Notify != nil {
		s.Notify.RideRequested(req)
	}
	s.publish(ctx, ingest.Event{Type: ingest.RequestCreated, RequestID: req.ID, RouteID: req.RouteID, RiderID: req.RiderID, DriverID: req.DriverID})
	return req, nil
}

// Accept moves a pending request to accepted, creates its match and credits
// both parties. The match insert and both credits are always attempted; if
// any of them fails the returned error joins every failure.
func (s *Service) Accept(ctx context.Context, requestID string) (models.RideMatch, error) {
	req, err := s.transition(ctx, requestID, models.StatusPending, models.StatusAccepted)
	if err != nil {
		return models.RideMatch{}, err
	}

	match := models.RideMatch{
		ID:          s.newID(),
		RequestID:   req.ID,
		RiderID:     req.RiderID,
		DriverID:    req.DriverID,
		RouteID:     req.RouteID,
		Status:      models.MatchMatched,
		CarbonSaved: CarbonSavedPerRide,
		SplitCost:   SplitCost,
		CreatedAt:   s.now(),
	}

	var errs []error
	matchStored := true
	if err := s.Store.Insert(ctx, models.RideMatchesCollection, match); err != nil {
		matchStored = false
		errs = append(errs, fmt.Errorf("insert match: %w", err))
	}
	if err := s.credit(ctx, req.RiderID, RiderBonus, match.CarbonSaved); err != nil {
		errs = append(errs, fmt.Errorf("credit rider: %w", err))
	}
	if err := s.credit(ctx, req.DriverID, DriverBonus, match.CarbonSaved); err != nil {
		errs = append(errs, fmt.Errorf("credit driver: %w", err))
	}

	if matchStored {
		observability.MatchesTotal.Inc()
		if s.Notify != nil {
			s.Notify.RideAccepted(match)
		}
	}
	s.publish(ctx, ingest.Event{Type: ingest.RequestAccepted, RequestID: req.ID, RouteID: req.RouteID, RiderID: req.RiderID, DriverID: req.DriverID, CarbonSaved: match.CarbonSaved})

	if len(errs) > 0 {
		s.logger().Error("accept left partial state", "request_id", req.ID, "error", errors.Join(errs...))
		return match, apperr.Partial("accept ride request", errs...)
	}
	return match, nil
}

func (s *Service) Reject(ctx context.Context, requestID string) (models.RideRequest, error) {
	req, err := s.transition(ctx, requestID, models.StatusPending, models.StatusRejected)
	if err != nil {
		return models.RideRequest{}, err
	}
	s.publish(ctx, ingest.Event{Type: ingest.RequestRejected, RequestID: req.ID, RouteID: req.RouteID, RiderID: req.RiderID, DriverID: req.DriverID})
	return req, nil
}

// Complete closes an accepted ride and marks its match completed.
func (s *Service) Complete(ctx context.Context, requestID string) (models.RideRequest, error) {
	req, err := s.transition(ctx, requestID, models.StatusAccepted, models.StatusCompleted)
	if err != nil {
		return models.RideRequest{}, err
	}
	_, err = s.Store.UpdateOne(ctx, models.RideMatchesCollection,
		storage.Filter{"request_id": req.ID},
		storage.Update{Set: map[string]any{"status": models.MatchCompleted}})
	if err != nil {
		return req, apperr.Dependency("complete ride match", err)
	}
	s.publish(ctx, ingest.Event{Type: ingest.RequestCompleted, RequestID: req.ID, RouteID: req.RouteID, RiderID: req.RiderID, DriverID: req.DriverID})
	return req, nil
}

// transition loads the request and moves it from one status to another with
// a compare-and-set. The returned request carries the new status.
func (s *Service) transition(ctx context.Context, requestID string, from, to models.RequestStatus) (models.RideRequest, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return models.RideRequest{}, err
	}
	if req.Status != from {
		return models.RideRequest{}, apperr.Conflict("ride request", fmt.Sprintf("cannot move from %s to %s", req.Status, to))
	}
	n, err := s.Store.UpdateOne(ctx, models.RideRequestsCollection,
		storage.Filter{"id": requestID, "status": from},
		storage.Update{Set: map[string]any{"status": to}})
	if err != nil {
		return models.RideRequest{}, apperr.Dependency("update ride request", err)
	}
	if n == 0 {
		return models.RideRequest{}, apperr.Conflict("ride request", fmt.Sprintf("no longer %s", from))
	}
	observability.HandshakeTransitions.WithLabelValues(string(to)).Inc()
	req.Status = to
	return req, nil
}

func (s *Service) credit(ctx context.Context, userID string, bonus int, carbon float64) error {
	n, err := s.Store.UpdateOne(ctx, models.UsersCollection,
		storage.Filter{"id": userID},
		storage.Update{Inc: map[string]any{"ecoScore": bonus, "carbonSaved": carbon}})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, requestID string) (models.RideRequest, error) {
	var req models.RideRequest
	if err := s.Store.FindOne(ctx, models.RideRequestsCollection, storage.Filter{"id": requestID}, &req); err != nil {
		return models.RideRequest{}, lookupErr("ride request", "load ride request", err)
	}
	return req, nil
}

func (s *Service) PendingForDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	return s.find(ctx, storage.Filter{"driver_id": driverID, "status": models.StatusPending})
}

func (s *Service) ForRider(ctx context.Context, riderID string) ([]models.RideRequest, error) {
	return s.find(ctx, storage.Filter{"rider_id": riderID})
}

// List returns all requests, or only those in status when it is non-empty.
func (s *Service) List(ctx context.Context, status models.RequestStatus) ([]models.RideRequest, error) {
	f := storage.Filter{}
	if status != "" {
		f["status"] = status
	}
	return s.find(ctx, f)
}

func (s *Service) GetMatch(ctx context.Context, matchID string) (models.RideMatch, error) {
	var m models.RideMatch
	if err := s.Store.FindOne(ctx, models.RideMatchesCollection, storage.Filter{"id": matchID}, &m); err != nil {
		return models.RideMatch{}, lookupErr("ride match", "load ride match", err)
	}
	return m, nil
}

func (s *Service) find(ctx context.Context, f storage.Filter) ([]models.RideRequest, error) {
	out := make([]models.RideRequest, 0)
	if err := s.Store.Find(ctx, models.RideRequestsCollection, f, storage.FindOptions{}, &out); err != nil {
		return nil, apperr.Dependency("list ride requests", err)
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, ev ingest.Event) {
	if s.Events == nil {
		return
	}
	ev.At = s.now()
	if err := s.Events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		s.logger().Warn("publish ride event failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func lookupErr(resource, op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return apperr.Dependency(op, err)
}
