package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/buildlyio/MarketingTool/internal/domain"
	"github.com/buildlyio/MarketingTool/internal/mail"
	"github.com/buildlyio/MarketingTool/internal/store"
	"github.com/buildlyio/MarketingTool/internal/unsub"
)

// fakeSender records messages and can fail selected recipients.
type fakeSender struct {
	sent    []mail.Message
	failFor map[string]bool
}

func (f *fakeSender) Send(_ context.Context, msg mail.Message) error {
	if f.failFor[msg.To] {
		return errors.New("smtp: simulated transport failure")
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fixture struct {
	repo   *store.SQLiteRepo
	sender *fakeSender
	disp   *Dispatcher
	unsubs *unsub.Registry
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	repo, err := store.OpenSQLite(context.Background(),
		filepath.Join(dir, "engagement.db"), domain.DefaultThresholds)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	unsubs := unsub.New(filepath.Join(dir, "unsubscribed.json"), "", time.Minute, zap.NewNop())
	sender := &fakeSender{failFor: map[string]bool{}}

	disp := NewDispatcher(repo, unsubs, sender, engine, zap.NewNop(), Options{
		BCC: "audit@buildly.io",
	})
	return &fixture{repo: repo, sender: sender, disp: disp, unsubs: unsubs, dir: dir}
}

func (f *fixture) addUser(t *testing.T, email string, lastLogin time.Time, features ...string) string {
	t.Helper()
	res, err := f.repo.Upsert(context.Background(), &domain.User{
		Email:        email,
		Name:         strings.Split(email, "@")[0],
		LastLogin:    &lastLogin,
		FeaturesUsed: features,
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", email, err)
	}
	return res.UserID
}

func TestFeatureAnnouncementCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recent := f.addUser(t, "recent@x.com", now.Add(-24*time.Hour))
	eligible := f.addUser(t, "eligible@x.com", now.Add(-24*time.Hour))

	// recent got a feature email 3 days ago, eligible 8 days ago.
	if err := f.repo.RecordSend(ctx, recent, domain.CampaignFeatureAnnouncement, "x", domain.SendStatusSent, now.Add(-3*24*time.Hour)); err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}
	if err := f.repo.RecordSend(ctx, eligible, domain.CampaignFeatureAnnouncement, "x", domain.SendStatusSent, now.Add(-8*24*time.Hour)); err != nil {
		t.Fatalf("seed cooldown: %v", err)
	}

	res, err := f.disp.SendFeatureAnnouncement(ctx, FeatureAnnouncement{
		Name:        "Smart Workflows",
		Description: "Automate your development process",
	}, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("want sent=1 skipped=1, got %+v", res)
	}
	if res.SkipReasons[SkipReasonCooldown] != 1 {
		t.Fatalf("want cooldown skip, got %+v", res.SkipReasons)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0].To != "eligible@x.com" {
		t.Fatalf("unexpected recipients: %+v", f.sender.sent)
	}
	if f.sender.sent[0].BCC != "audit@buildly.io" {
		t.Fatalf("missing audit BCC: %+v", f.sender.sent[0])
	}
}

func TestReengagementTargetsInactiveOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.addUser(t, "a@x.com", now.Add(-1*24*time.Hour))  // active
	f.addUser(t, "b@x.com", now.Add(-60*24*time.Hour)) // inactive

	res, err := f.disp.SendReengagement(ctx, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("want sent=1, got %+v", res)
	}
	if f.sender.sent[0].To != "b@x.com" {
		t.Fatalf("want b@x.com, got %s", f.sender.sent[0].To)
	}

	// Activity classification persisted at write time.
	a, _ := f.repo.GetByEmail(ctx, "a@x.com")
	b, _ := f.repo.GetByEmail(ctx, "b@x.com")
	if a.ActivityLevel != domain.ActivityActive || b.ActivityLevel != domain.ActivityInactive {
		t.Fatalf("classification: a=%s b=%s", a.ActivityLevel, b.ActivityLevel)
	}
}

func TestUnsubscribedOverridesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.addUser(t, "b@x.com", now.Add(-60*24*time.Hour))
	if _, err := f.unsubs.Add("b@x.com", "user request"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	res, err := f.disp.SendReengagement(ctx, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 0 || res.SkipReasons[SkipReasonUnsubscribed] != 1 {
		t.Fatalf("want zero sends with unsubscribed skip, got %+v", res)
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("message sent to unsubscribed user: %+v", f.sender.sent)
	}
}

func TestTransportFailureDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	emails := []string{"u1@x.com", "u2@x.com", "u3@x.com", "u4@x.com", "u5@x.com"}
	for _, e := range emails {
		f.addUser(t, e, now.Add(-60*24*time.Hour))
	}
	f.sender.failFor["u3@x.com"] = true

	res, err := f.disp.SendReengagement(ctx, false)
	if err != nil {
		t.Fatalf("batch must not raise: %v", err)
	}
	if res.Sent != 4 || res.Failed != 1 {
		t.Fatalf("want sent=4 failed=1, got %+v", res)
	}

	// The failure is on the ledger but did not stamp a cooldown.
	u3, _ := f.repo.GetByEmail(ctx, "u3@x.com")
	if u3.LastReengagementEmail != nil {
		t.Fatal("failed send stamped a cooldown")
	}
	u1, _ := f.repo.GetByEmail(ctx, "u1@x.com")
	if u1.LastReengagementEmail == nil {
		t.Fatal("successful send did not stamp cooldown")
	}
}

func TestMarketingSkipsUnsubscribedAndRecordsAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.addUser(t, "in@x.com", now)
	f.addUser(t, "out@x.com", now)
	if _, err := f.unsubs.Add("out@x.com", "user request"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	res, err := f.disp.SendMarketing(ctx, "product_update", "March Update", "March 2026", false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 1 || res.SkipReasons[SkipReasonUnsubscribed] != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	a, err := f.repo.EmailAnalytics(ctx)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if len(a.Campaigns) != 1 || a.Campaigns[0].CampaignName != "March 2026" || a.Campaigns[0].SentCount != 1 {
		t.Fatalf("analytics row: %+v", a.Campaigns)
	}
}

func TestMarketingUnknownTemplate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.disp.SendMarketing(context.Background(), "no_such_template", "s", "", false); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestTestModeSendsOnlyToBCC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.addUser(t, "real@x.com", now.Add(-60*24*time.Hour))

	res, err := f.disp.SendReengagement(ctx, true)
	if err != nil {
		t.Fatalf("test dispatch: %v", err)
	}
	if res.Sent != 1 || len(f.sender.sent) != 1 {
		t.Fatalf("unexpected result: %+v / %d messages", res, len(f.sender.sent))
	}
	msg := f.sender.sent[0]
	if msg.To != "audit@buildly.io" {
		t.Fatalf("test mode sent to %s", msg.To)
	}
	if !strings.HasPrefix(msg.Subject, "[TEST]") {
		t.Fatalf("missing [TEST] prefix: %q", msg.Subject)
	}

	// No history was recorded for the real user.
	u, _ := f.repo.GetByEmail(ctx, "real@x.com")
	if u.LastReengagementEmail != nil {
		t.Fatal("test mode stamped a cooldown")
	}
}

func TestRenderEscapesUserContent(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	html, err := engine.Render("feature_announcement", FeatureContext{
		Name:        "<script>alert(1)</script>",
		FeatureName: "X",
		Description: "safe",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Fatal("user content reached the body unescaped")
	}
}

func TestSuggestFeatures(t *testing.T) {
	// No usage: the full generic list.
	if got := SuggestFeatures(nil); len(got) != 4 {
		t.Fatalf("generic list: %d", len(got))
	}
	// Partial usage: only unused features, capped at 3.
	got := SuggestFeatures([]string{"api_builder"})
	if len(got) != 3 {
		t.Fatalf("unused list: %d", len(got))
	}
	for _, s := range got {
		if s.Title == "API Builder" {
			t.Fatal("suggested a feature already in use")
		}
	}
	// Everything used: advanced pitches.
	got = SuggestFeatures([]string{"api_builder", "workflow_designer", "database_manager", "ui_builder"})
	if len(got) != 3 || got[0].Title != "Advanced Features" {
		t.Fatalf("advanced list: %+v", got)
	}
}

// Guard against the unsubscribe file format drifting from what the
// published mirror serves.
func TestUnsubscribeFileRoundTrip(t *testing.T) {
	f := newFixture(t)
	if _, err := f.unsubs.Add("gone@x.com", "test"); err != nil {
		t.Fatalf("add: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, "unsubscribed.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc unsub.File
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.UnsubscribedEmails) != 1 || doc.UnsubscribedEmails[0].Email != "gone@x.com" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}
