package campus

import (
	"context"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
)

// CollegeStats counts the users, drivers and active routes of one college.
// Routes carry no college, so a route counts when its driver belongs to it.
func (s *Service) CollegeStats(ctx context.Context, collegeID string) (models.CollegeStats, error) {
	users, err := s.ListUsers(ctx, collegeID)
	if err != nil {
		return models.CollegeStats{}, err
	}
	stats := models.CollegeStats{CollegeID: collegeID}
	members := make(map[string]struct{}, len(users))
	for _, u := range users {
		members[u.ID] = struct{}{}
		stats.TotalUsers++
		stats.TotalEcoScore += int64(u.EcoScore)
		stats.TotalCarbonSaved += u.CarbonSaved
		if u.IsDriver {
			stats.TotalDrivers++
		}
		if u.IsDriving {
			stats.ActiveDrivers++
		}
	}

	routes := make([]models.DriverRoute, 0)
	if err := s.Store.Find(ctx, models.RoutesCollection, storage.Filter{"is_active": true}, storage.FindOptions{}, &routes); err != nil {
		return models.CollegeStats{}, apperr.Dependency("list routes", err)
	}
	for _, r := range routes {
		if _, ok := members[r.DriverID]; ok {
			stats.ActiveRoutes++
		}
	}
	return stats, nil
}
