package services

import (
	"context"

	"kas/internal/ledger"
	"kas/internal/log"
)

// ProfileService handles whole-profile operations.
type ProfileService struct {
	store      ledger.Store
	categories *CategoryService
}

func NewProfileService(store ledger.Store, categories *CategoryService) *ProfileService {
	return &ProfileService{store: store, categories: categories}
}

// Purge deletes every record owned by the profile in one atomic write.
func (s *ProfileService) Purge(ctx context.Context, profileID string) error {
	if err := requireProfile(profileID); err != nil {
		return err
	}
	if err := s.store.PurgeProfile(ctx, profileID); err != nil {
		return err
	}
	if s.categories != nil {
		s.categories.forgetAll()
	}
	log.FromContext(ctx).WithComponent(log.ComponentLedger).
		InfoContext(ctx, "Profile data purged", log.FieldProfileID, profileID)
	return nil
}
