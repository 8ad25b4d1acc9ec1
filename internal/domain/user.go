package domain

import "time"

// ActivityLevel is the derived three-state classification of a user
// from the recency of their last login.
type ActivityLevel string

const (
	ActivityActive           ActivityLevel = "active"
	ActivityModeratelyActive ActivityLevel = "moderately_active"
	ActivityInactive         ActivityLevel = "inactive"
)

// CampaignType identifies an outbound email campaign in the
// engagement-history ledger.
type CampaignType string

const (
	CampaignFeatureAnnouncement CampaignType = "feature_announcement"
	CampaignReengagement        CampaignType = "reengagement"
	CampaignMarketing           CampaignType = "marketing"
	CampaignOnboardingHelp      CampaignType = "onboarding_help"
)

// SendStatus records the outcome of a single send attempt.
type SendStatus string

const (
	SendStatusSent   SendStatus = "sent"
	SendStatusFailed SendStatus = "failed"
)

// SubscriptionType is the user's plan on the platform.
type SubscriptionType string

const (
	SubscriptionFree       SubscriptionType = "free"
	SubscriptionPro        SubscriptionType = "pro"
	SubscriptionEnterprise SubscriptionType = "enterprise"
)

// User is a platform user tracked in the local store, keyed by email.
// Email is immutable once created: it is the join key against the
// remote directory.
type User struct {
	UserID                string
	Email                 string // stored lower-case, unique
	Name                  string
	SignupDate            *time.Time
	LastLogin             *time.Time
	ActivityLevel         ActivityLevel // derived at write time, not re-derived on read
	FeaturesUsed          []string
	SubscriptionType      SubscriptionType
	LastFeatureEmail      *time.Time
	LastReengagementEmail *time.Time
	IsSubscribed          bool
	ExternalID            string // remote directory core user uuid, optional
	Organization          string
	UserType              string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DisplayName returns the user's name or a generic fallback for
// personalized email bodies.
func (u *User) DisplayName() string {
	if u.Name == "" {
		return "Buildly User"
	}
	return u.Name
}

// EngagementEntry is one append-only row of the engagement-history
// ledger. Entries are never mutated or deleted.
type EngagementEntry struct {
	ID           int64
	UserID       string
	CampaignType CampaignType
	Subject      string
	SentAt       time.Time
	Status       SendStatus
}

// CampaignAnalytics is one aggregate row per campaign run.
type CampaignAnalytics struct {
	ID                int64
	CampaignName      string
	SentCount         int
	DeliveredCount    int
	OpenedCount       int
	ClickedCount      int
	UnsubscribedCount int
	BounceCount       int
	CreatedAt         time.Time
}
