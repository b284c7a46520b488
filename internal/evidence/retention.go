package evidence

import (
	"context"
	"time"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// RetentionFlag names one sealed bundle whose retention window has elapsed.
// Flagging is the entire effect of a sweep: this package never deletes a
// bundle itself. Deletion, when it happens, is a separate operator-driven
// and audited action the caller performs after inspecting the flags.
type RetentionFlag struct {
	BundleID string
	SealedAt time.Time
	Age      time.Duration
}

// SweepRetention returns every sealed bundle whose SealedAt is older than
// window, as of now. A bundle that fails integrity verification during the
// sweep is a fatal error: the evidence chain must be treated as broken
// rather than silently skipped over.
func (s *Store) SweepRetention(ctx context.Context, window time.Duration, now time.Time) ([]RetentionFlag, error) {
	ids, err := s.ListSealed(ctx)
	if err != nil {
		return nil, err
	}

	var flags []RetentionFlag
	for _, id := range ids {
		bundle, err := s.GetBundle(ctx, id)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindIntegrity, "evidence.SweepRetention", "verify bundle "+id+" during retention sweep", err)
		}
		if bundle.SealedAt == nil {
			continue
		}
		age := now.Sub(*bundle.SealedAt)
		if age > window {
			flags = append(flags, RetentionFlag{BundleID: bundle.BundleID, SealedAt: *bundle.SealedAt, Age: age})
		}
	}
	return flags, nil
}
