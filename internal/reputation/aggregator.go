// Package reputation records ride ratings and keeps each driver's displayed
// star rating current from an incrementally maintained tally.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/observability"
	"github.com/example/campus-pool/internal/storage"
	"github.com/example/campus-pool/internal/validation"
)

// Rides is the part of the handshake a rating depends on.
type Rides interface {
	Get(ctx context.Context, requestID string) (models.RideRequest, error)
	Complete(ctx context.Context, requestID string) (models.RideRequest, error)
}

type SubmitRating struct {
	RideID      string   `json:"ride_id" validate:"required"`
	RiderID     string   `json:"rider_id" validate:"required"`
	DriverID    string   `json:"driver_id" validate:"required"`
	Smoothness  int      `json:"smoothness" validate:"min=1,max=10"`
	Comfort     int      `json:"comfort" validate:"min=1,max=10"`
	Amenities   []string `json:"amenities"`
	MatchReason string   `json:"match_reason"`
	TrustScore  float64  `json:"trust_score" validate:"gte=0"`
}

type Aggregator struct {
	Store  storage.Gateway
	Tally  TallyStore
	Rides  Rides
	Events ingest.Publisher
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string

	// mu serializes the write phase so a tally increment and the rating it
	// produces reach the user document in the same order.
	mu sync.Mutex
}

// Submit stores a rating for a ride that was accepted or completed, folds it
// into the driver's tally and updates the driver's displayed rating. Rating an
// accepted ride completes it.
func (a *Aggregator) Submit(ctx context.Context, in SubmitRating) (models.Rating, error) {
	if err := validation.Struct(in); err != nil {
		return models.Rating{}, err
	}
	ride, err := a.Rides.Get(ctx, in.RideID)
	if err != nil {
		return models.Rating{}, err
	}
	if ride.RiderID != in.RiderID {
		return models.Rating{}, apperr.Invalid("rider_id", "did not take this ride")
	}
	if ride.DriverID != in.DriverID {
		return models.Rating{}, apperr.Invalid("driver_id", "did not drive this ride")
	}
	if ride.Status != models.StatusAccepted && ride.Status != models.StatusCompleted {
		return models.Rating{}, apperr.Conflict("rating", fmt.Sprintf("ride is %s", ride.Status))
	}

	rating := models.Rating{
		ID:          a.newID(),
		RideID:      in.RideID,
		RiderID:     in.RiderID,
		DriverID:    in.DriverID,
		Smoothness:  in.Smoothness,
		Comfort:     in.Comfort,
		Amenities:   in.Amenities,
		MatchReason: in.MatchReason,
		TrustScore:  in.TrustScore,
		CreatedAt:   a.now(),
	}
	if rating.Amenities == nil {
		rating.Amenities = []string{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.Store.Count(ctx, models.RatingsCollection, storage.Filter{"ride_id": in.RideID, "rider_id": in.RiderID})
	if err != nil {
		return models.Rating{}, apperr.Dependency("check existing rating", err)
	}
	if n > 0 {
		return models.Rating{}, apperr.Conflict("rating", "ride already rated")
	}
	if err := a.Store.Insert(ctx, models.RatingsCollection, rating); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.Rating{}, apperr.Conflict("rating", "ride already rated")
		}
		return models.Rating{}, apperr.Dependency("insert rating", err)
	}
	observability.RatingsTotal.Inc()

	var errs []error
	if ride.Status == models.StatusAccepted {
		if _, err := a.Rides.Complete(ctx, ride.ID); err != nil && !apperr.IsConflict(err) {
			errs = append(errs, fmt.Errorf("complete ride: %w", err))
		}
	}
	stars, err := a.fold(ctx, in.DriverID, Points(rating))
	if err != nil {
		errs = append(errs, err)
	}
	a.publish(ctx, ingest.Event{Type: ingest.RatingSubmitted, RequestID: ride.ID, RouteID: ride.RouteID, RiderID: in.RiderID, DriverID: in.DriverID, Rating: stars})

	if len(errs) > 0 {
		a.logger().Error("rating stored with partial side effects", "rating_id", rating.ID, "driver_id", in.DriverID, "error", errors.Join(errs...))
		return rating, apperr.Partial("submit rating", errs...)
	}
	return rating, nil
}

func (a *Aggregator) fold(ctx context.Context, driverID string, points int64) (float64, error) {
	t, err := a.Tally.Add(ctx, driverID, points)
	if err != nil {
		return 0, err
	}
	stars := Stars(t)
	if err := a.setRating(ctx, driverID, stars); err != nil {
		return stars, err
	}
	return stars, nil
}

// Rebuild recomputes a driver's tally from the full rating history and
// rewrites the displayed rating. It repairs a tally that was lost or drifted.
func (a *Aggregator) Rebuild(ctx context.Context, driverID string) (Tally, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, err := a.Store.Count(ctx, models.UsersCollection, storage.Filter{"id": driverID})
	if err != nil {
		return Tally{}, 0, apperr.Dependency("find driver", err)
	}
	if n == 0 {
		return Tally{}, 0, apperr.NotFound("user")
	}
	ratings, err := a.ListForDriver(ctx, driverID)
	if err != nil {
		return Tally{}, 0, err
	}
	var t Tally
	for _, r := range ratings {
		t.Sum += Points(r)
		t.Count++
	}
	if err := a.Tally.Reset(ctx, driverID, t); err != nil {
		return Tally{}, 0, apperr.Dependency("reset tally", err)
	}
	stars := Stars(t)
	if err := a.setRating(ctx, driverID, stars); err != nil {
		return t, stars, apperr.Dependency("rebuild rating", err)
	}
	a.logger().Info("rating rebuilt", "driver_id", driverID, "ratings", t.Count, "rating", stars)
	return t, stars, nil
}

func (a *Aggregator) ListForDriver(ctx context.Context, driverID string) ([]models.Rating, error) {
	out := make([]models.Rating, 0)
	if err := a.Store.Find(ctx, models.RatingsCollection, storage.Filter{"driver_id": driverID}, storage.FindOptions{}, &out); err != nil {
		return nil, apperr.Dependency("list ratings", err)
	}
	return out, nil
}

func (a *Aggregator) setRating(ctx context.Context, driverID string, stars float64) error {
	n, err := a.Store.UpdateOne(ctx, models.UsersCollection,
		storage.Filter{"id": driverID},
		storage.Update{Set: map[string]any{"rating": stars}})
	if err != nil {
		return apperr.Dependency("update driver rating", err)
	}
	if n == 0 {
		return fmt.Errorf("update driver rating: driver %s has no user record", driverID)
	}
	return nil
}

func (a *Aggregator) publish(ctx context.Context, ev ingest.Event) {
	if a.Events == nil {
		return
	}
	ev.At = a.now()
	if err := a.Events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		a.logger().Warn("publish rating event failed", "driver_id", ev.DriverID, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Aggregator) newID() string {
	if a.NewID != nil {
		return a.NewID()
	}
	return uuid.NewString()
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
