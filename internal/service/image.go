package service

import (
	"context"
	"errors"

	"github.com/CZERTAINLY/Inspector/internal/agent"
)

// NewImage returns a service for container images. Recovery reschedules
// incomplete jobs by their image reference.
func NewImage(family agent.Family, st Store, rs RuleSets, reg Registry, cfg Config) *Service {
	s := newService(family, st, rs, reg, cfg)
	s.recovery = s.recoverImages
	return s
}

func (s *Service) recoverImages(ctx context.Context) error {
	recs, err := s.store.FindIncomplete(ctx, s.family.Name())
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if err := s.resubmit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
