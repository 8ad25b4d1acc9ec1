// Package sync pulls users from the remote directory into the local
// store. It runs as a sequential batch: one failing record is logged
// and counted, never fatal to the rest of the pull.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/buildlyio/MarketingTool/internal/directory"
	"github.com/buildlyio/MarketingTool/internal/domain"
	"github.com/buildlyio/MarketingTool/internal/store"
)

// Directory is the slice of the directory client the syncer needs.
type Directory interface {
	ListAllUsers(ctx context.Context, organizationUUID string) ([]directory.RemoteUser, error)
}

// Report aggregates one sync run. SyncAll fills New/Updated, SyncNewOnly
// fills Added/Existing; Errors counts records that could not be mapped
// or written in either mode.
type Report struct {
	New      int
	Updated  int
	Added    int
	Existing int
	Errors   int
}

// Syncer copies directory users into the local store.
type Syncer struct {
	dir  Directory
	repo store.Repo
	log  *zap.Logger

	now func() time.Time
}

func New(dir Directory, repo store.Repo, log *zap.Logger) *Syncer {
	return &Syncer{dir: dir, repo: repo, log: log, now: time.Now}
}

// SyncAll pulls every remote user, inserting the ones the store has
// never seen and refreshing the mutable fields of the rest.
func (s *Syncer) SyncAll(ctx context.Context, organizationUUID string) (*Report, error) {
	remote, err := s.dir.ListAllUsers(ctx, organizationUUID)
	if err != nil {
		return nil, fmt.Errorf("list directory users: %w", err)
	}

	rep := &Report{}
	for i := range remote {
		u, err := s.mapRemote(&remote[i])
		if err != nil {
			rep.Errors++
			s.log.Warn("skipping directory record", zap.Error(err))
			continue
		}
		res, err := s.repo.Upsert(ctx, u)
		if err != nil {
			rep.Errors++
			s.log.Error("upsert failed", zap.String("email", u.Email), zap.Error(err))
			continue
		}
		if res.Created {
			rep.New++
		} else {
			rep.Updated++
		}
	}

	s.log.Info("directory sync complete",
		zap.Int("new", rep.New), zap.Int("updated", rep.Updated), zap.Int("errors", rep.Errors))
	return rep, nil
}

// SyncNewOnly pulls the directory and imports only users whose signup
// date falls inside the trailing daysBack window and whose email the
// store does not already know. Known users are counted, not touched.
func (s *Syncer) SyncNewOnly(ctx context.Context, organizationUUID string, daysBack int) (*Report, error) {
	remote, err := s.dir.ListAllUsers(ctx, organizationUUID)
	if err != nil {
		return nil, fmt.Errorf("list directory users: %w", err)
	}

	now := s.now().UTC()
	cutoff := now.Add(-time.Duration(daysBack) * 24 * time.Hour)

	rep := &Report{}
	for i := range remote {
		r := &remote[i]
		if r.SignupDate(now).Before(cutoff) {
			continue
		}
		u, err := s.mapRemote(r)
		if err != nil {
			rep.Errors++
			s.log.Warn("skipping directory record", zap.Error(err))
			continue
		}

		_, err = s.repo.GetByEmail(ctx, u.Email)
		switch {
		case err == nil:
			rep.Existing++
		case errors.Is(err, store.ErrNotFound):
			if _, err := s.repo.Upsert(ctx, u); err != nil {
				rep.Errors++
				s.log.Error("insert failed", zap.String("email", u.Email), zap.Error(err))
				continue
			}
			rep.Added++
		default:
			rep.Errors++
			s.log.Error("lookup failed", zap.String("email", u.Email), zap.Error(err))
		}
	}

	s.log.Info("new-user sync complete",
		zap.Int("days_back", daysBack),
		zap.Int("added", rep.Added), zap.Int("existing", rep.Existing), zap.Int("errors", rep.Errors))
	return rep, nil
}

// mapRemote translates one directory record into the local model.
// Records without an email address cannot be engaged and are rejected.
func (s *Syncer) mapRemote(r *directory.RemoteUser) (*domain.User, error) {
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return nil, fmt.Errorf("directory user %s has no email", r.CoreUserUUID)
	}

	now := s.now().UTC()
	signup := r.SignupDate(now)
	lastLogin := r.LastActivityDate(now)

	// The directory knows nothing about feature usage or subscription
	// tier; both are locally owned, so the sync record leaves them
	// unset and Upsert keeps whatever the store already has.
	return &domain.User{
		Email:        email,
		Name:         r.FullName(),
		SignupDate:   &signup,
		LastLogin:    &lastLogin,
		ExternalID:   r.CoreUserUUID,
		Organization: orgName(r),
		UserType:     r.UserType,
	}, nil
}

func orgName(r *directory.RemoteUser) string {
	if r.Organization == nil {
		return ""
	}
	return r.Organization.Name
}
