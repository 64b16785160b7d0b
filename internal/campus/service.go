// Package campus manages the flat records around the handshake: users, driver
// routes, subscriptions and per-college counters.
package campus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/observability"
	"github.com/example/campus-pool/internal/storage"
)

// Broadcaster announces driver availability changes to every connected user.
type Broadcaster interface {
	DriverStatusChanged(userID string, isDriving bool)
	RoutePublished(route models.DriverRoute)
}

type Service struct {
	Store  storage.Gateway
	Notify Broadcaster
	Events ingest.Publisher
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func (s *Service) user(ctx context.Context, id string) (models.User, error) {
	var u models.User
	if err := s.Store.FindOne(ctx, models.UsersCollection, storage.Filter{"id": id}, &u); err != nil {
		return models.User{}, lookupErr("user", "load user", err)
	}
	return u, nil
}

// setUser applies set to user id and returns the updated document.
func (s *Service) setUser(ctx context.Context, id string, set map[string]any) (models.User, error) {
	n, err := s.Store.UpdateOne(ctx, models.UsersCollection, storage.Filter{"id": id}, storage.Update{Set: set})
	if err != nil {
		return models.User{}, apperr.Dependency("update user", err)
	}
	if n == 0 {
		return models.User{}, apperr.NotFound("user")
	}
	return s.user(ctx, id)
}

func (s *Service) statusChanged(userID string, isDriving bool) {
	if s.Notify != nil {
		s.Notify.DriverStatusChanged(userID, isDriving)
	}
}

func (s *Service) publish(ctx context.Context, ev ingest.Event) {
	if s.Events == nil {
		return
	}
	ev.At = s.now()
	if err := s.Events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		s.logger().Warn("publish campus event failed", "type", ev.Type, "route_id", ev.RouteID, "error", err)
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
