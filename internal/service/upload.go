package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Inspector/internal/agent"
)

// NewUpload returns a service for uploaded archives. Recovery reschedules
// incomplete jobs whose archive still exists, the others are failed.
func NewUpload(family agent.Family, st Store, rs RuleSets, reg Registry, cfg Config) *Service {
	s := newService(family, st, rs, reg, cfg)
	s.recovery = s.recoverUploads
	return s
}

func (s *Service) recoverUploads(ctx context.Context) error {
	recs, err := s.store.FindIncomplete(ctx, s.family.Name())
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if s.isInflight(rec.ID) {
			continue
		}
		if _, err := os.Stat(rec.ArchivePath); err != nil {
			slog.WarnContext(ctx, "upload could not be recovered", "job_id", rec.ID, "archive", rec.ArchivePath, "error", err)
			msg := fmt.Sprintf("could not be recovered: archive %s is missing", rec.ArchivePath)
			if err := s.store.MarkFailed(ctx, rec.ID, msg); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.resubmit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
