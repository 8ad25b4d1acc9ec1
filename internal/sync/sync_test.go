package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/buildlyio/MarketingTool/internal/campaign"
	"github.com/buildlyio/MarketingTool/internal/directory"
	"github.com/buildlyio/MarketingTool/internal/domain"
	"github.com/buildlyio/MarketingTool/internal/mail"
	"github.com/buildlyio/MarketingTool/internal/store"
	"github.com/buildlyio/MarketingTool/internal/unsub"
)

type fakeDirectory struct {
	users []directory.RemoteUser
	err   error
}

func (f *fakeDirectory) ListAllUsers(_ context.Context, _ string) ([]directory.RemoteUser, error) {
	return f.users, f.err
}

func openTestRepo(t *testing.T) *store.SQLiteRepo {
	t.Helper()
	repo, err := store.OpenSQLite(context.Background(),
		filepath.Join(t.TempDir(), "engagement.db"), domain.DefaultThresholds)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func remoteUser(uuid, email string, created, edited time.Time) directory.RemoteUser {
	return directory.RemoteUser{
		CoreUserUUID: uuid,
		Email:        email,
		FirstName:    "Test",
		LastName:     uuid,
		CreateDate:   created.Format(time.RFC3339),
		EditDate:     edited.Format(time.RFC3339),
	}
}

func TestSyncAllInsertsThenUpdates(t *testing.T) {
	repo := openTestRepo(t)
	now := time.Now().UTC()
	dir := &fakeDirectory{users: []directory.RemoteUser{
		remoteUser("u1", "a@x.com", now.Add(-40*24*time.Hour), now.Add(-24*time.Hour)),
		remoteUser("u2", "b@x.com", now.Add(-40*24*time.Hour), now.Add(-60*24*time.Hour)),
	}}
	s := New(dir, repo, zap.NewNop())

	rep, err := s.SyncAll(context.Background(), "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.New != 2 || rep.Updated != 0 || rep.Errors != 0 {
		t.Fatalf("first run: %+v", rep)
	}

	rep, err = s.SyncAll(context.Background(), "")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if rep.New != 0 || rep.Updated != 2 {
		t.Fatalf("second run: %+v", rep)
	}
}

func TestSyncAllIsolatesBadRecords(t *testing.T) {
	repo := openTestRepo(t)
	now := time.Now().UTC()
	dir := &fakeDirectory{users: []directory.RemoteUser{
		remoteUser("u1", "", now, now), // no email
		remoteUser("u2", "ok@x.com", now, now),
	}}
	s := New(dir, repo, zap.NewNop())

	rep, err := s.SyncAll(context.Background(), "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.New != 1 || rep.Errors != 1 {
		t.Fatalf("want new=1 errors=1, got %+v", rep)
	}
}

func TestSyncAllPropagatesListFailure(t *testing.T) {
	s := New(&fakeDirectory{err: errors.New("boom")}, openTestRepo(t), zap.NewNop())
	if _, err := s.SyncAll(context.Background(), ""); err == nil {
		t.Fatal("expected error when the directory is unreachable")
	}
}

func TestSyncNewOnlyIsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	now := time.Now().UTC()
	dir := &fakeDirectory{users: []directory.RemoteUser{
		remoteUser("u1", "fresh@x.com", now.Add(-2*24*time.Hour), now),
		remoteUser("u2", "old@x.com", now.Add(-90*24*time.Hour), now),
	}}
	s := New(dir, repo, zap.NewNop())

	rep, err := s.SyncNewOnly(context.Background(), "", 7)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Added != 1 || rep.Existing != 0 {
		t.Fatalf("first run: %+v", rep)
	}
	if _, err := repo.GetByEmail(context.Background(), "old@x.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("record outside the lookback window was imported")
	}

	rep, err = s.SyncNewOnly(context.Background(), "", 7)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if rep.Added != 0 || rep.Existing != 1 {
		t.Fatalf("second run: %+v", rep)
	}
}

func TestSyncKeepsLocalFeatureUsage(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seen := now.Add(-24 * time.Hour)
	if _, err := repo.Upsert(ctx, &domain.User{
		Email:            "tracked@x.com",
		FeaturesUsed:     []string{"api_builder", "ui_builder"},
		SubscriptionType: domain.SubscriptionPro,
		LastLogin:        &seen,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	dir := &fakeDirectory{users: []directory.RemoteUser{
		remoteUser("u1", "tracked@x.com", now.Add(-90*24*time.Hour), now),
	}}
	rep, err := New(dir, repo, zap.NewNop()).SyncAll(ctx, "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Updated != 1 {
		t.Fatalf("report: %+v", rep)
	}

	// Feature usage and subscription tier are tracked locally; the
	// directory never reports them and a sync must not wipe them, or
	// re-engagement would pitch features the user already uses.
	u, err := repo.GetByEmail(ctx, "tracked@x.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(u.FeaturesUsed) != 2 {
		t.Fatalf("features_used wiped by sync: %v", u.FeaturesUsed)
	}
	if u.SubscriptionType != domain.SubscriptionPro {
		t.Fatalf("subscription_type wiped by sync: %s", u.SubscriptionType)
	}
}

func TestSyncNewOnlyDoesNotUpdateExisting(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldLogin := now.Add(-60 * 24 * time.Hour)
	if _, err := repo.Upsert(ctx, &domain.User{Email: "seen@x.com", LastLogin: &oldLogin}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	dir := &fakeDirectory{users: []directory.RemoteUser{
		remoteUser("u1", "seen@x.com", now.Add(-24*time.Hour), now),
	}}
	rep, err := New(dir, repo, zap.NewNop()).SyncNewOnly(ctx, "", 7)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.Existing != 1 || rep.Added != 0 {
		t.Fatalf("report: %+v", rep)
	}

	u, err := repo.GetByEmail(ctx, "seen@x.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.ActivityLevel != domain.ActivityInactive {
		t.Fatalf("existing record was refreshed: %s", u.ActivityLevel)
	}
}

type recordingSender struct {
	sent []mail.Message
}

func (r *recordingSender) Send(_ context.Context, m mail.Message) error {
	r.sent = append(r.sent, m)
	return nil
}

// Full pipeline: directory pull, classification, re-engagement dispatch,
// then the same dispatch with the target unsubscribed.
func TestSyncThenReengage(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	tmp := t.TempDir()

	dir := &fakeDirectory{users: []directory.RemoteUser{
		remoteUser("u1", "a@x.com", now.Add(-90*24*time.Hour), now.Add(-24*time.Hour)),
		remoteUser("u2", "b@x.com", now.Add(-90*24*time.Hour), now.Add(-60*24*time.Hour)),
	}}
	if _, err := New(dir, repo, zap.NewNop()).SyncAll(ctx, ""); err != nil {
		t.Fatalf("sync: %v", err)
	}

	a, _ := repo.GetByEmail(ctx, "a@x.com")
	b, _ := repo.GetByEmail(ctx, "b@x.com")
	if a.ActivityLevel != domain.ActivityActive || b.ActivityLevel != domain.ActivityInactive {
		t.Fatalf("classification: a=%s b=%s", a.ActivityLevel, b.ActivityLevel)
	}

	engine, err := campaign.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	unsubs := unsub.New(filepath.Join(tmp, "unsubscribed.json"), "", time.Minute, zap.NewNop())
	sender := &recordingSender{}
	disp := campaign.NewDispatcher(repo, unsubs, sender, engine, zap.NewNop(), campaign.Options{})

	res, err := disp.SendReengagement(ctx, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 1 || len(sender.sent) != 1 || sender.sent[0].To != "b@x.com" {
		t.Fatalf("want one send to b@x.com, got %+v", sender.sent)
	}

	// Unsubscribe wins over everything, cooldown included. Clear the
	// cooldown stamp so it is the unsubscribe that blocks the send.
	if _, err := unsubs.Add("b@x.com", "user request"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	ancient := now.Add(-90 * 24 * time.Hour)
	if err := repo.RecordSend(ctx, b.UserID, domain.CampaignReengagement, "x", domain.SendStatusSent, ancient); err != nil {
		t.Fatalf("reset cooldown: %v", err)
	}

	res, err = disp.SendReengagement(ctx, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 0 || res.SkipReasons[campaign.SkipReasonUnsubscribed] != 1 {
		t.Fatalf("want unsubscribed skip, got %+v", res)
	}
}
