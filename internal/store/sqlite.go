package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/buildlyio/MarketingTool/internal/domain"
)

// SQLiteRepo implements Repo using an embedded SQLite database.
// It owns activity classification: every write that touches last_login
// recomputes activity_level with the configured thresholds. Levels are
// never re-derived on read, so a record can go stale until its next
// write; sync runs are the operational mitigation.
type SQLiteRepo struct {
	db         *sql.DB
	thresholds domain.Thresholds
}

// OpenSQLite opens (or creates) the SQLite database at the given path,
// applies recommended PRAGMAs, runs SQL migrations, and returns a
// repository classifying with the given thresholds.
func OpenSQLite(ctx context.Context, path string, thresholds domain.Thresholds) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Single-writer engine; keep one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLiteRepo{db: db, thresholds: thresholds}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database resources.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

// generateUserID builds the historical deterministic user id:
// user_<YYYYMMDDHHMMSS>_<email local part>. Two inserts for different
// emails within the same second stay distinct, but the scheme is not
// globally unique; it is kept for compatibility with existing data.
func generateUserID(email string, now time.Time) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}
	return fmt.Sprintf("user_%s_%s", now.UTC().Format("20060102150405"), local)
}

// Upsert inserts a user if the email is unknown, otherwise updates the
// mutable fields of the existing record. Email is normalized to lower
// case and immutable once created; user_id assigned on first insert is
// preserved. activity_level is recomputed from last_login on every
// write. features_used and subscription_type are locally owned: an
// update that provides neither (a directory sync) keeps the stored
// values instead of blanking them.
func (r *SQLiteRepo) Upsert(ctx context.Context, u *domain.User) (UpsertResult, error) {
	if u == nil {
		return UpsertResult{}, errors.New("nil user")
	}
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" {
		return UpsertResult{}, errors.New("empty email")
	}

	now := time.Now().UTC()

	signup := u.SignupDate
	if signup == nil {
		signup = &now
	}
	lastLogin := u.LastLogin
	if lastLogin == nil {
		lastLogin = signup
	}
	level := domain.Classify(lastLogin, now, r.thresholds)

	var features any
	if len(u.FeaturesUsed) > 0 {
		features = featuresToJSON(u.FeaturesUsed)
	}
	var subscription any
	if u.SubscriptionType != "" {
		subscription = string(u.SubscriptionType)
	}

	var existingID string
	err := r.db.QueryRowContext(ctx, `SELECT user_id FROM users WHERE email = ?`, email).Scan(&existingID)
	switch {
	case err == nil:
		_, err = r.db.ExecContext(ctx, `
			UPDATE users SET
				name              = ?,
				signup_date       = ?,
				last_login        = ?,
				activity_level    = ?,
				features_used     = COALESCE(?, features_used),
				subscription_type = COALESCE(?, subscription_type),
				external_id       = ?,
				organization      = ?,
				user_type         = ?,
				updated_at        = ?
			WHERE email = ?`,
			u.Name, toNullTime(signup), toNullTime(lastLogin), string(level),
			features, subscription,
			u.ExternalID, u.Organization, u.UserType,
			now.Format(time.RFC3339), email,
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("update user %s: %w", email, err)
		}
		return UpsertResult{UserID: existingID, Created: false}, nil

	case errors.Is(err, sql.ErrNoRows):
		id := u.UserID
		if id == "" {
			id = generateUserID(email, now)
		}
		sub := u.SubscriptionType
		if sub == "" {
			sub = domain.SubscriptionFree
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO users (
				user_id, email, name, signup_date, last_login, activity_level,
				features_used, subscription_type, is_subscribed,
				external_id, organization, user_type, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
			id, email, u.Name, toNullTime(signup), toNullTime(lastLogin), string(level),
			featuresToJSON(u.FeaturesUsed), string(sub),
			u.ExternalID, u.Organization, u.UserType,
			now.Format(time.RFC3339), now.Format(time.RFC3339),
		)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("insert user %s: %w", email, err)
		}
		return UpsertResult{UserID: id, Created: true}, nil

	default:
		return UpsertResult{}, fmt.Errorf("lookup user %s: %w", email, err)
	}
}

const userColumns = `user_id, email, name, signup_date, last_login, activity_level,
	features_used, subscription_type, last_feature_email, last_reengagement_email,
	is_subscribed, external_id, organization, user_type, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var (
		u                               domain.User
		signup, lastLogin               sql.NullString
		level, features, subscription   sql.NullString
		lastFeature, lastReengage       sql.NullString
		subscribed                      int
		name, external, org, userType   sql.NullString
		createdAt, updatedAt            string
	)
	if err := row.Scan(
		&u.UserID, &u.Email, &name, &signup, &lastLogin, &level,
		&features, &subscription, &lastFeature, &lastReengage,
		&subscribed, &external, &org, &userType, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	u.Name = name.String
	u.SignupDate = fromNullTime(signup)
	u.LastLogin = fromNullTime(lastLogin)
	u.ActivityLevel = domain.ActivityLevel(level.String)
	u.FeaturesUsed = featuresFromJSON(features)
	u.SubscriptionType = domain.SubscriptionType(subscription.String)
	u.LastFeatureEmail = fromNullTime(lastFeature)
	u.LastReengagementEmail = fromNullTime(lastReengage)
	u.IsSubscribed = subscribed != 0
	u.ExternalID = external.String
	u.Organization = org.String
	u.UserType = userType.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		u.CreatedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		u.UpdatedAt = t.UTC()
	}
	return &u, nil
}

// GetByEmail returns the user with the given email (case-insensitive)
// or ErrNotFound.
func (r *SQLiteRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListByActivity returns users in any of the given activity levels,
// most recently active first, so dispatch naturally favors users more
// likely to engage.
func (r *SQLiteRepo) ListByActivity(ctx context.Context, levels ...domain.ActivityLevel) ([]domain.User, error) {
	if len(levels) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(levels)), ",")
	args := make([]any, len(levels))
	for i, l := range levels {
		args[i] = string(l)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE activity_level IN (`+placeholders+`)
		 ORDER BY last_login DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// ListSubscribed returns every user whose is_subscribed flag is set.
func (r *SQLiteRepo) ListSubscribed(ctx context.Context) ([]domain.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE is_subscribed = 1 ORDER BY last_login DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// ListOnboardingCandidates returns users created within the last 30
// days whose last login is missing or older than 3 days and who have
// not received a re-engagement-family email in the last 3 days.
// RFC 3339 UTC strings compare lexicographically, so the cutoffs are
// passed as text.
func (r *SQLiteRepo) ListOnboardingCandidates(ctx context.Context, now time.Time) ([]domain.User, error) {
	recentSignup := now.UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	quietSince := now.UTC().Add(-3 * 24 * time.Hour).Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE created_at >= ?
		   AND (last_login IS NULL OR last_login < ?)
		   AND (last_reengagement_email IS NULL OR last_reengagement_email < ?)
		 ORDER BY created_at DESC`,
		recentSignup, quietSince, quietSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]domain.User, error) {
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// RecordSend appends to the engagement-history ledger and, for the
// campaign types with a cooldown, stamps the per-user cooldown field.
// Onboarding help shares the re-engagement cooldown so the two
// check-in campaigns never stack on the same user.
func (r *SQLiteRepo) RecordSend(ctx context.Context, userID string, campaign domain.CampaignType, subject string, status domain.SendStatus, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339)
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO engagement_history (user_id, campaign_type, subject, sent_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		userID, string(campaign), subject, ts, string(status),
	); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if status != domain.SendStatusSent {
		return nil
	}

	var column string
	switch campaign {
	case domain.CampaignFeatureAnnouncement:
		column = "last_feature_email"
	case domain.CampaignReengagement, domain.CampaignOnboardingHelp:
		column = "last_reengagement_email"
	default:
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET `+column+` = ?, updated_at = ? WHERE user_id = ?`,
		ts, ts, userID)
	if err != nil {
		return fmt.Errorf("stamp cooldown: %w", err)
	}
	return nil
}

// SetSubscribed flips the subscription flag for a user by email.
func (r *SQLiteRepo) SetSubscribed(ctx context.Context, email string, subscribed bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_subscribed = ?, updated_at = ? WHERE email = ?`,
		boolToInt(subscribed), time.Now().UTC().Format(time.RFC3339),
		strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordCampaignAnalytics appends one aggregate row for a campaign run.
func (r *SQLiteRepo) RecordCampaignAnalytics(ctx context.Context, campaignName string, sent int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_analytics (campaign_name, sent_count, created_at)
		VALUES (?, ?, ?)`,
		campaignName, sent, at.UTC().Format(time.RFC3339))
	return err
}

// EngagementStats aggregates user counts per activity level and
// per-campaign send outcomes over the trailing 30 days.
func (r *SQLiteRepo) EngagementStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{
		UserActivity:   make(map[domain.ActivityLevel]int),
		EmailCampaigns: make(map[domain.CampaignType]map[domain.SendStatus]int),
		LastUpdated:    now.UTC(),
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT activity_level, COUNT(*) FROM users GROUP BY activity_level`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var level sql.NullString
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.UserActivity[domain.ActivityLevel(level.String)] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	cutoff := now.UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	rows, err = r.db.QueryContext(ctx, `
		SELECT campaign_type, status, COUNT(*)
		FROM engagement_history
		WHERE sent_at >= ?
		GROUP BY campaign_type, status`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var campaign, status string
		var count int
		if err := rows.Scan(&campaign, &status, &count); err != nil {
			return nil, err
		}
		ct := domain.CampaignType(campaign)
		if stats.EmailCampaigns[ct] == nil {
			stats.EmailCampaigns[ct] = make(map[domain.SendStatus]int)
		}
		stats.EmailCampaigns[ct][domain.SendStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// EmailAnalytics returns the subscription rollup, per-campaign
// analytics, and the 100 most recent history rows.
func (r *SQLiteRepo) EmailAnalytics(ctx context.Context) (*Analytics, error) {
	a := &Analytics{}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&a.TotalUsers); err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE is_subscribed = 1`).Scan(&a.SubscribedUsers); err != nil {
		return nil, err
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE is_subscribed = 0`).Scan(&a.UnsubscribedUsers); err != nil {
		return nil, err
	}
	if a.TotalUsers > 0 {
		a.SubscriptionRate = float64(a.SubscribedUsers) / float64(a.TotalUsers) * 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT campaign_name,
		       SUM(sent_count), SUM(opened_count), SUM(clicked_count), SUM(unsubscribed_count),
		       MAX(created_at)
		FROM email_analytics
		GROUP BY campaign_name
		ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c domain.CampaignAnalytics
		var created string
		if err := rows.Scan(&c.CampaignName, &c.SentCount, &c.OpenedCount,
			&c.ClickedCount, &c.UnsubscribedCount, &created); err != nil {
			rows.Close()
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, created); err == nil {
			c.CreatedAt = t.UTC()
		}
		a.Campaigns = append(a.Campaigns, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT u.email, eh.campaign_type, eh.sent_at, eh.status
		FROM engagement_history eh
		JOIN users u ON eh.user_id = u.user_id
		ORDER BY eh.sent_at DESC
		LIMIT 100`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec RecentSend
		var campaign, sentAt, status string
		if err := rows.Scan(&rec.Email, &campaign, &sentAt, &status); err != nil {
			return nil, err
		}
		rec.CampaignType = domain.CampaignType(campaign)
		rec.Status = domain.SendStatus(status)
		if t, err := time.Parse(time.RFC3339, sentAt); err == nil {
			rec.SentAt = t.UTC()
		}
		a.RecentActivity = append(a.RecentActivity, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return a, nil
}
