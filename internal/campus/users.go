package campus

import (
	"context"
	"errors"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
	"github.com/example/campus-pool/internal/validation"
)

type CreateUser struct {
	Name       string         `json:"name" validate:"required"`
	Email      string         `json:"email" validate:"required,email"`
	College    models.College `json:"college"`
	Department string         `json:"department"`
	Semester   int            `json:"semester" validate:"gte=0,lte=12"`
	Location   string         `json:"location"`
}

func (s *Service) CreateUser(ctx context.Context, in CreateUser) (models.User, error) {
	if err := validation.Struct(in); err != nil {
		return models.User{}, err
	}
	u := models.User{
		ID:         s.newID(),
		Name:       in.Name,
		Email:      in.Email,
		College:    in.College,
		Department: in.Department,
		Semester:   in.Semester,
		Location:   in.Location,
		Verified:   true,
		CreatedAt:  s.now(),
	}
	if err := s.Store.Insert(ctx, models.UsersCollection, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.User{}, apperr.Conflict("user", "id already exists")
		}
		return models.User{}, apperr.Dependency("insert user", err)
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (models.User, error) {
	return s.user(ctx, id)
}

// ListUsers returns every user, or only those of collegeID when it is set.
func (s *Service) ListUsers(ctx context.Context, collegeID string) ([]models.User, error) {
	f := storage.Filter{}
	if collegeID != "" {
		f["college.id"] = collegeID
	}
	return s.findUsers(ctx, f)
}

// SetDriving flips the user's driving flag and broadcasts the change.
func (s *Service) SetDriving(ctx context.Context, id string, isDriving bool) (models.User, error) {
	u, err := s.setUser(ctx, id, map[string]any{"isDriving": isDriving})
	if err != nil {
		return models.User{}, err
	}
	s.statusChanged(id, isDriving)
	return u, nil
}

// ActiveDrivers lists users currently driving, optionally within one college.
func (s *Service) ActiveDrivers(ctx context.Context, collegeID string) ([]models.User, error) {
	f := storage.Filter{"isDriving": true}
	if collegeID != "" {
		f["college.id"] = collegeID
	}
	return s.findUsers(ctx, f)
}

func (s *Service) UpdateLocation(ctx context.Context, id, location string) (models.User, error) {
	if location == "" {
		return models.User{}, apperr.Invalid("location", "is required")
	}
	return s.setUser(ctx, id, map[string]any{"location": location})
}

// SetEcoScore overwrites the score; it is the explicit reset path.
func (s *Service) SetEcoScore(ctx context.Context, id string, score int) (models.User, error) {
	if score < 0 {
		return models.User{}, apperr.Invalid("eco_score", "must be at least 0")
	}
	return s.setUser(ctx, id, map[string]any{"ecoScore": score})
}

func (s *Service) findUsers(ctx context.Context, f storage.Filter) ([]models.User, error) {
	out := make([]models.User, 0)
	if err := s.Store.Find(ctx, models.UsersCollection, f, storage.FindOptions{}, &out); err != nil {
		return nil, apperr.Dependency("list users", err)
	}
	return out, nil
}
