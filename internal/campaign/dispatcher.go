package campaign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/buildlyio/MarketingTool/internal/domain"
	"github.com/buildlyio/MarketingTool/internal/mail"
	"github.com/buildlyio/MarketingTool/internal/store"
	"github.com/buildlyio/MarketingTool/internal/unsub"
)

// Per-campaign cooldown windows. A user stays ineligible for a
// campaign type until its window has elapsed since the last sent
// email of that type.
const (
	featureCooldown      = 7 * 24 * time.Hour
	reengagementCooldown = 14 * 24 * time.Hour
)

// Skip reason tags in Result.SkipReasons.
const (
	SkipReasonCooldown     = "cooldown"
	SkipReasonUnsubscribed = "unsubscribed"
)

// Result aggregates one campaign run. A single recipient's failure
// never aborts the batch; it is counted here instead.
type Result struct {
	Sent        int
	Failed      int
	Skipped     int
	SkipReasons map[string]int
}

func newResult() *Result {
	return &Result{SkipReasons: make(map[string]int)}
}

func (r *Result) skip(reason string) {
	r.Skipped++
	r.SkipReasons[reason]++
}

// FeatureAnnouncement describes one feature-announcement run.
type FeatureAnnouncement struct {
	Name         string
	Description  string
	ReleaseNotes string
	CTALink      string
}

// Options configures a Dispatcher.
type Options struct {
	// BCC receives an audit copy of every send and is the sole
	// recipient in test mode.
	BCC string
	// SendDelay is slept between sequential sends to stay under the
	// provider's rate limits.
	SendDelay time.Duration
	// TokenSecret salts per-user unsubscribe tokens in marketing
	// emails.
	TokenSecret string
}

// Dispatcher orchestrates campaign sends: select eligible users,
// filter cooldowns and unsubscribes, render, send, record outcome.
type Dispatcher struct {
	repo   store.Repo
	unsubs *unsub.Registry
	sender mail.Sender
	engine *Engine
	log    *zap.Logger
	opts   Options

	now func() time.Time
}

// NewDispatcher wires a campaign dispatcher.
func NewDispatcher(repo store.Repo, unsubs *unsub.Registry, sender mail.Sender, engine *Engine, log *zap.Logger, opts Options) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		unsubs: unsubs,
		sender: sender,
		engine: engine,
		log:    log,
		opts:   opts,
		now:    time.Now,
	}
}

func unsubscribeURL(email string) string {
	return "https://buildly.io/unsubscribe.html?email=" + url.QueryEscape(email)
}

func (d *Dispatcher) pause() {
	if d.opts.SendDelay > 0 {
		time.Sleep(d.opts.SendDelay)
	}
}

// onCooldown reports whether last is within window of now.
func (d *Dispatcher) onCooldown(last *time.Time, window time.Duration) bool {
	return last != nil && d.now().Sub(*last) < window
}

// SendFeatureAnnouncement mails the announcement to active and
// moderately-active users, honoring the 7-day feature cooldown. In
// test mode the rendered email goes to the BCC address only and no
// state is recorded.
func (d *Dispatcher) SendFeatureAnnouncement(ctx context.Context, fa FeatureAnnouncement, testMode bool) (*Result, error) {
	subject := "New Feature Alert: " + fa.Name

	if testMode {
		return d.sendTest(ctx, "feature_announcement", "[TEST] "+subject, FeatureContext{
			Name:           "Test User",
			FeatureName:    fa.Name,
			Description:    fa.Description,
			ReleaseNotes:   fa.ReleaseNotes,
			CTALink:        fa.CTALink,
			UnsubscribeURL: unsubscribeURL(d.opts.BCC),
		})
	}

	users, err := d.repo.ListByActivity(ctx, domain.ActivityActive, domain.ActivityModeratelyActive)
	if err != nil {
		return nil, fmt.Errorf("list eligible users: %w", err)
	}

	res := newResult()
	for i := range users {
		u := &users[i]
		if !u.IsSubscribed || d.unsubs.IsUnsubscribed(ctx, u.Email) {
			res.skip(SkipReasonUnsubscribed)
			continue
		}
		if d.onCooldown(u.LastFeatureEmail, featureCooldown) {
			res.skip(SkipReasonCooldown)
			continue
		}

		html, err := d.engine.Render("feature_announcement", FeatureContext{
			Name:           u.DisplayName(),
			FeatureName:    fa.Name,
			Description:    fa.Description,
			ReleaseNotes:   fa.ReleaseNotes,
			CTALink:        fa.CTALink,
			UnsubscribeURL: unsubscribeURL(u.Email),
		})
		if err != nil {
			return nil, err
		}

		d.deliver(ctx, res, u, domain.CampaignFeatureAnnouncement, subject, html)
		d.pause()
	}

	d.log.Info("feature announcement complete",
		zap.String("feature", fa.Name),
		zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("skipped", res.Skipped))
	return res, nil
}

// SendReengagement mails inactive users a personalized check-in,
// honoring the 14-day re-engagement cooldown.
func (d *Dispatcher) SendReengagement(ctx context.Context, testMode bool) (*Result, error) {
	const subject = "We miss you! Let's get you back on track"

	if testMode {
		return d.sendTest(ctx, "reengagement", "[TEST] "+subject, ReengagementContext{
			Name:           "Test User",
			Suggestions:    SuggestFeatures(nil),
			UnsubscribeURL: unsubscribeURL(d.opts.BCC),
		})
	}

	users, err := d.repo.ListByActivity(ctx, domain.ActivityInactive)
	if err != nil {
		return nil, fmt.Errorf("list inactive users: %w", err)
	}

	res := newResult()
	for i := range users {
		u := &users[i]
		if !u.IsSubscribed || d.unsubs.IsUnsubscribed(ctx, u.Email) {
			res.skip(SkipReasonUnsubscribed)
			continue
		}
		if d.onCooldown(u.LastReengagementEmail, reengagementCooldown) {
			res.skip(SkipReasonCooldown)
			continue
		}

		html, err := d.engine.Render("reengagement", ReengagementContext{
			Name:           u.DisplayName(),
			Suggestions:    SuggestFeatures(u.FeaturesUsed),
			UnsubscribeURL: unsubscribeURL(u.Email),
		})
		if err != nil {
			return nil, err
		}

		d.deliver(ctx, res, u, domain.CampaignReengagement, subject, html)
		d.pause()
	}

	d.log.Info("re-engagement campaign complete",
		zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("skipped", res.Skipped))
	return res, nil
}

// SendMarketing mails the named stored template to every subscribed
// user. When campaignName is set, an analytics row is recorded for
// the run.
func (d *Dispatcher) SendMarketing(ctx context.Context, templateName, subject, campaignName string, testMode bool) (*Result, error) {
	if !d.engine.Has(templateName) {
		return nil, fmt.Errorf("unknown marketing template %q", templateName)
	}

	if testMode {
		return d.sendTest(ctx, templateName, "[TEST] "+subject, MarketingContext{
			Name:           "Test User",
			UnsubscribeURL: "https://buildly.io/unsubscribe?token=test",
			PreferencesURL: "https://buildly.io/preferences?token=test",
		})
	}

	users, err := d.repo.ListSubscribed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscribed users: %w", err)
	}

	res := newResult()
	for i := range users {
		u := &users[i]
		if d.unsubs.IsUnsubscribed(ctx, u.Email) {
			res.skip(SkipReasonUnsubscribed)
			continue
		}

		token := d.unsubscribeToken(u.UserID)
		html, err := d.engine.Render(templateName, MarketingContext{
			Name:           u.DisplayName(),
			UnsubscribeURL: "https://buildly.io/unsubscribe?token=" + token,
			PreferencesURL: "https://buildly.io/preferences?token=" + token,
		})
		if err != nil {
			return nil, err
		}

		d.deliver(ctx, res, u, domain.CampaignMarketing, subject, html)
		d.pause()
	}

	if campaignName != "" {
		if err := d.repo.RecordCampaignAnalytics(ctx, campaignName, res.Sent, d.now()); err != nil {
			d.log.Error("record campaign analytics failed", zap.Error(err))
		}
	}

	d.log.Info("marketing campaign complete",
		zap.String("template", templateName),
		zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("skipped", res.Skipped))
	return res, nil
}

// SendOnboardingHelp mails recent signups who never became active. It
// shares the re-engagement cooldown field so the two check-in
// campaigns never stack on the same user.
func (d *Dispatcher) SendOnboardingHelp(ctx context.Context, testMode bool) (*Result, error) {
	const subject = "Need help getting started with Buildly? We're here!"

	if testMode {
		return d.sendTest(ctx, "onboarding_help", "[TEST] "+subject, OnboardingContext{
			Name:           "Test User",
			UnsubscribeURL: unsubscribeURL(d.opts.BCC),
		})
	}

	users, err := d.repo.ListOnboardingCandidates(ctx, d.now())
	if err != nil {
		return nil, fmt.Errorf("list onboarding candidates: %w", err)
	}

	res := newResult()
	for i := range users {
		u := &users[i]
		if !u.IsSubscribed || d.unsubs.IsUnsubscribed(ctx, u.Email) {
			res.skip(SkipReasonUnsubscribed)
			continue
		}

		html, err := d.engine.Render("onboarding_help", OnboardingContext{
			Name:           u.DisplayName(),
			UnsubscribeURL: unsubscribeURL(u.Email),
		})
		if err != nil {
			return nil, err
		}

		d.deliver(ctx, res, u, domain.CampaignOnboardingHelp, subject, html)
		d.pause()
	}

	if res.Sent > 0 {
		if err := d.repo.RecordCampaignAnalytics(ctx, "Onboarding Help", res.Sent, d.now()); err != nil {
			d.log.Error("record campaign analytics failed", zap.Error(err))
		}
	}

	d.log.Info("onboarding help complete",
		zap.Int("sent", res.Sent), zap.Int("failed", res.Failed), zap.Int("skipped", res.Skipped))
	return res, nil
}

// deliver sends one rendered message and records the outcome. History
// and cooldown state commit per recipient, so an interrupted batch
// keeps what it already sent (at-least-once overall).
func (d *Dispatcher) deliver(ctx context.Context, res *Result, u *domain.User, campaign domain.CampaignType, subject, html string) {
	err := d.sender.Send(ctx, mail.Message{
		To:      u.Email,
		BCC:     d.opts.BCC,
		Subject: subject,
		HTML:    html,
	})

	status := domain.SendStatusSent
	if err != nil {
		status = domain.SendStatusFailed
		res.Failed++
		d.log.Error("send failed", zap.String("email", u.Email), zap.Error(err))
	} else {
		res.Sent++
	}

	if err := d.repo.RecordSend(ctx, u.UserID, campaign, subject, status, d.now()); err != nil {
		d.log.Error("record send failed", zap.String("email", u.Email), zap.Error(err))
	}
}

// sendTest renders for a synthetic user and mails only the BCC
// address. No history or cooldown state is recorded.
func (d *Dispatcher) sendTest(ctx context.Context, templateName, subject string, tctx any) (*Result, error) {
	html, err := d.engine.Render(templateName, tctx)
	if err != nil {
		return nil, err
	}

	res := newResult()
	if err := d.sender.Send(ctx, mail.Message{
		To:      d.opts.BCC,
		Subject: subject,
		HTML:    html,
	}); err != nil {
		res.Failed = 1
		d.log.Error("test send failed", zap.Error(err))
		return res, nil
	}
	res.Sent = 1
	return res, nil
}

// unsubscribeToken derives an opaque per-user token for marketing
// unsubscribe links.
func (d *Dispatcher) unsubscribeToken(userID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", userID, d.now().Unix(), d.opts.TokenSecret)))
	return hex.EncodeToString(sum[:])[:32]
}
