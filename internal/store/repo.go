package store

import (
	"context"
	"errors"
	"time"

	"github.com/buildlyio/MarketingTool/internal/domain"
)

// ErrNotFound is returned by single-entity lookups when no row matches.
// It is a normal outcome, not a failure.
var ErrNotFound = errors.New("not found")

// UpsertResult reports whether an upsert inserted or updated.
type UpsertResult struct {
	UserID  string
	Created bool
}

// Stats aggregates engagement reporting for the operator CLI.
type Stats struct {
	UserActivity   map[domain.ActivityLevel]int
	EmailCampaigns map[domain.CampaignType]map[domain.SendStatus]int
	LastUpdated    time.Time
}

// Analytics is the email-analytics rollup.
type Analytics struct {
	TotalUsers        int
	SubscribedUsers   int
	UnsubscribedUsers int
	SubscriptionRate  float64
	Campaigns         []domain.CampaignAnalytics
	RecentActivity    []RecentSend
}

// RecentSend is one recent engagement-history row joined with the
// recipient's email.
type RecentSend struct {
	Email        string
	CampaignType domain.CampaignType
	SentAt       time.Time
	Status       domain.SendStatus
}

// Repo defines storage operations for users, the engagement-history
// ledger, and campaign analytics.
type Repo interface {
	Upsert(ctx context.Context, u *domain.User) (UpsertResult, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	ListByActivity(ctx context.Context, levels ...domain.ActivityLevel) ([]domain.User, error)
	ListSubscribed(ctx context.Context) ([]domain.User, error)
	ListOnboardingCandidates(ctx context.Context, now time.Time) ([]domain.User, error)
	RecordSend(ctx context.Context, userID string, campaign domain.CampaignType, subject string, status domain.SendStatus, at time.Time) error
	SetSubscribed(ctx context.Context, email string, subscribed bool) error
	RecordCampaignAnalytics(ctx context.Context, campaignName string, sent int, at time.Time) error
	EngagementStats(ctx context.Context, now time.Time) (*Stats, error)
	EmailAnalytics(ctx context.Context) (*Analytics, error)
	Close() error
}
