package campus

import (
	"context"

	"github.com/example/campus-pool/internal/apperr"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/storage"
	"github.com/example/campus-pool/internal/validation"
)

type CreateSubscription struct {
	UserID         string `json:"user_id" validate:"required"`
	TierName       string `json:"tier_name" validate:"required"`
	Price          int    `json:"price" validate:"gte=0"`
	RidesRemaining int    `json:"rides_remaining" validate:"gte=0"`
	Validity       string `json:"validity" validate:"required"`
}

func (s *Service) CreateSubscription(ctx context.Context, in CreateSubscription) (models.Subscription, error) {
	if err := validation.Struct(in); err != nil {
		return models.Subscription{}, err
	}
	if _, err := s.user(ctx, in.UserID); err != nil {
		return models.Subscription{}, err
	}
	sub := models.Subscription{
		ID:             s.newID(),
		UserID:         in.UserID,
		TierName:       in.TierName,
		Price:          in.Price,
		RidesRemaining: in.RidesRemaining,
		Validity:       in.Validity,
		CreatedAt:      s.now(),
	}
	if err := s.Store.Insert(ctx, models.SubscriptionsCollection, sub); err != nil {
		return models.Subscription{}, apperr.Dependency("insert subscription", err)
	}
	return sub, nil
}

func (s *Service) SubscriptionsForUser(ctx context.Context, userID string) ([]models.Subscription, error) {
	out := make([]models.Subscription, 0)
	if err := s.Store.Find(ctx, models.SubscriptionsCollection, storage.Filter{"user_id": userID}, storage.FindOptions{}, &out); err != nil {
		return nil, apperr.Dependency("list subscriptions", err)
	}
	return out, nil
}
