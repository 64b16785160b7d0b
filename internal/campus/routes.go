package campus

import (
	"context"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
	"github.com/example/campus-pool/internal/validation"
)

type PublishRoute struct {
	DriverID       string               `json:"driver_id" validate:"required"`
	DriverName     string               `json:"driver_name"`
	Origin         string               `json:"origin" validate:"required"`
	Destination    string               `json:"destination" validate:"required"`
	Direction      models.Direction     `json:"direction" validate:"required,oneof=to_college from_college"`
	DepartureTime  string               `json:"departure_time" validate:"required"`
	AvailableSeats int                  `json:"available_seats" validate:"min=1"`
	PricePerSeat   int                  `json:"price_per_seat" validate:"gte=0"`
	Amenities      []string             `json:"amenities"`
	PickupPoints   []models.PickupPoint `json:"pickup_points" validate:"dive"`
}

// PublishRoute stores an active route, marks its owner as a driving driver
// and announces both changes.
func (s *Service) PublishRoute(ctx context.Context, in PublishRoute) (models.DriverRoute, error) {
	if err := validation.Struct(in); err != nil {
		return models.DriverRoute{}, err
	}
	driver, err := s.user(ctx, in.DriverID)
	if err != nil {
		return models.DriverRoute{}, err
	}

	route := models.DriverRoute{
		ID:             s.newID(),
		DriverID:       in.DriverID,
		DriverName:     in.DriverName,
		Origin:         in.Origin,
		Destination:    in.Destination,
		Direction:      in.Direction,
		DepartureTime:  in.DepartureTime,
		AvailableSeats: in.AvailableSeats,
		PricePerSeat:   in.PricePerSeat,
		Amenities:      in.Amenities,
		PickupPoints:   make([]models.PickupPoint, 0, len(in.PickupPoints)),
		IsActive:       true,
		CreatedAt:      s.now(),
	}
	if route.DriverName == "" {
		route.DriverName = driver.Name
	}
	if route.Amenities == nil {
		route.Amenities = []string{}
	}
	for _, p := range in.PickupPoints {
		if p.ID == "" {
			p.ID = s.newID()
		}
		route.PickupPoints = append(route.PickupPoints, p)
	}

	if err := s.Store.Insert(ctx, models.RoutesCollection, route); err != nil {
		return models.DriverRoute{}, apperr.Dependency("insert route", err)
	}
	if _, err := s.setUser(ctx, in.DriverID, map[string]any{"isDriver": true, "isDriving": true}); err != nil {
		return route, err
	}

	s.statusChanged(in.DriverID, true)
	if s.Notify != nil {
		s.Notify.RoutePublished(route)
	}
	s.publish(ctx, ingest.Event{Type: ingest.RoutePublished, RouteID: route.ID, DriverID: route.DriverID})
	return route, nil
}

func (s *Service) GetRoute(ctx context.Context, id string) (models.DriverRoute, error) {
	var r models.DriverRoute
	if err := s.Store.FindOne(ctx, models.RoutesCollection, storage.Filter{"id": id}, &r); err != nil {
		return models.DriverRoute{}, lookupErr("route", "load route", err)
	}
	return r, nil
}

func (s *Service) ActiveRoutes(ctx context.Context) ([]models.DriverRoute, error) {
	return s.findRoutes(ctx, storage.Filter{"is_active": true})
}

func (s *Service) AllRoutes(ctx context.Context) ([]models.DriverRoute, error) {
	return s.findRoutes(ctx, storage.Filter{})
}

func (s *Service) RoutesForDriver(ctx context.Context, driverID string) ([]models.DriverRoute, error) {
	return s.findRoutes(ctx, storage.Filter{"driver_id": driverID})
}

// DeactivateRoute soft-deletes a route. When the owner has no active route
// left they stop driving. Deactivating an inactive route is a no-op.
func (s *Service) DeactivateRoute(ctx context.Context, id string) (models.DriverRoute, error) {
	route, err := s.GetRoute(ctx, id)
	if err != nil {
		return models.DriverRoute{}, err
	}
	n, err := s.Store.UpdateOne(ctx, models.RoutesCollection,
		storage.Filter{"id": id, "is_active": true},
		storage.Update{Set: map[string]any{"is_active": false}})
	if err != nil {
		return models.DriverRoute{}, apperr.Dependency("deactivate route", err)
	}
	route.IsActive = false
	if n == 0 {
		return route, nil
	}

	remaining, err := s.Store.Count(ctx, models.RoutesCollection, storage.Filter{"driver_id": route.DriverID, "is_active": true})
	if err != nil {
		return route, apperr.Dependency("count active routes", err)
	}
	if remaining > 0 {
		return route, nil
	}
	if _, err := s.setUser(ctx, route.DriverID, map[string]any{"isDriving": false}); err != nil {
		if apperr.IsNotFound(err) {
			s.logger().Warn("route owner missing", "route_id", id, "driver_id", route.DriverID)
			return route, nil
		}
		return route, err
	}
	s.statusChanged(route.DriverID, false)
	return route, nil
}

func (s *Service) findRoutes(ctx context.Context, f storage.Filter) ([]models.DriverRoute, error) {
	out := make([]models.DriverRoute, 0)
	if err := s.Store.Find(ctx, models.RoutesCollection, f, storage.FindOptions{}, &out); err != nil {
		return nil, apperr.Dependency("list routes", err)
	}
	return out, nil
}
