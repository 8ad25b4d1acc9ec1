// Package app wires the engagement tool's components together and runs
// the long-lived daemon mode: cron-scheduled sync and campaign runs
// plus a small admin HTTP endpoint.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/buildlyio/MarketingTool/internal/campaign"
	"github.com/buildlyio/MarketingTool/internal/config"
	"github.com/buildlyio/MarketingTool/internal/directory"
	"github.com/buildlyio/MarketingTool/internal/domain"
	"github.com/buildlyio/MarketingTool/internal/mail"
	"github.com/buildlyio/MarketingTool/internal/notify"
	"github.com/buildlyio/MarketingTool/internal/store"
	syncer "github.com/buildlyio/MarketingTool/internal/sync"
	"github.com/buildlyio/MarketingTool/internal/unsub"
)

// App holds the wired components. The CLI uses them directly for
// one-shot subcommands; Run drives them on a schedule.
type App struct {
	Cfg        config.Config
	Repo       store.Repo
	Directory  *directory.Client
	Unsubs     *unsub.Registry
	Dispatcher *campaign.Dispatcher
	Syncer     *syncer.Syncer
	Notifier   *notify.Notifier

	log     *zap.Logger
	httpSrv *http.Server
}

// New opens the store and constructs every component from config.
// Callers must Close when done.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	repo, err := store.OpenSQLite(ctx, cfg.DBPath, domain.Thresholds{
		ActiveDays:   cfg.ActiveThresholdDays,
		InactiveDays: cfg.InactiveThresholdDays,
	})
	if err != nil {
		log.Error("open sqlite failed", zap.Error(err))
		return nil, err
	}
	log.Info("sqlite ready", zap.String("path", cfg.DBPath))

	dir := directory.New(cfg.BuildlyBaseURL, cfg.BuildlyUsername, cfg.BuildlyPassword, log)
	unsubs := unsub.New(cfg.UnsubscribeFile, cfg.UnsubscribeURL,
		time.Duration(cfg.UnsubCacheTTL)*time.Second, log)

	engine, err := campaign.NewEngine()
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	sender := mail.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.FromEmail)
	disp := campaign.NewDispatcher(repo, unsubs, sender, engine, log, campaign.Options{
		BCC:         cfg.BCCEmail,
		SendDelay:   time.Duration(cfg.SendDelayMS) * time.Millisecond,
		TokenSecret: cfg.TokenSecret,
	})

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, log)
	if err != nil {
		// Notifications are optional; a bad token should not take the
		// whole tool down.
		log.Warn("telegram disabled", zap.Error(err))
	}

	return &App{
		Cfg:        cfg,
		Repo:       repo,
		Directory:  dir,
		Unsubs:     unsubs,
		Dispatcher: disp,
		Syncer:     syncer.New(dir, repo, log),
		Notifier:   notifier,
		log:        log,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Repo.Close()
}

// Run starts daemon mode: the cron schedules and the admin HTTP server,
// until a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := cron.New()
	if _, err := c.AddFunc(a.Cfg.SyncSchedule, func() { a.scheduledSync(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(a.Cfg.ReengageSchedule, func() { a.scheduledReengage(ctx) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(a.Cfg.OnboardSchedule, func() { a.scheduledOnboarding(ctx) }); err != nil {
		return err
	}
	c.Start()

	a.httpSrv = &http.Server{
		Addr:         a.Cfg.HTTPAddr,
		Handler:      a.adminRouter(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("http server error", zap.Error(err))
		}
	}()

	a.log.Info("daemon started",
		zap.String("http", a.Cfg.HTTPAddr),
		zap.String("sync_schedule", a.Cfg.SyncSchedule),
		zap.String("reengage_schedule", a.Cfg.ReengageSchedule),
		zap.String("onboarding_schedule", a.Cfg.OnboardSchedule),
	)
	a.Notifier.Notify("engagement daemon started")

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	cronCtx := c.Stop()
	<-cronCtx.Done()

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := a.httpSrv.Shutdown(shCtx)
	cancel()
	if err != nil {
		a.log.Warn("http server shutdown error", zap.Error(err))
	}
	return nil
}

func (a *App) scheduledSync(ctx context.Context) {
	rep, err := a.Syncer.SyncAll(ctx, "")
	if err != nil {
		a.log.Error("scheduled sync failed", zap.Error(err))
		a.Notifier.Notifyf("sync failed: %v", err)
		return
	}
	a.Notifier.Notifyf("sync: %d new, %d updated, %d errors", rep.New, rep.Updated, rep.Errors)
}

func (a *App) scheduledReengage(ctx context.Context) {
	res, err := a.Dispatcher.SendReengagement(ctx, false)
	if err != nil {
		a.log.Error("scheduled re-engagement failed", zap.Error(err))
		a.Notifier.Notifyf("re-engagement failed: %v", err)
		return
	}
	a.Notifier.Notifyf("re-engagement: %d sent, %d failed, %d skipped", res.Sent, res.Failed, res.Skipped)
}

func (a *App) scheduledOnboarding(ctx context.Context) {
	res, err := a.Dispatcher.SendOnboardingHelp(ctx, false)
	if err != nil {
		a.log.Error("scheduled onboarding help failed", zap.Error(err))
		a.Notifier.Notifyf("onboarding help failed: %v", err)
		return
	}
	a.Notifier.Notifyf("onboarding help: %d sent, %d failed, %d skipped", res.Sent, res.Failed, res.Skipped)
}

func (a *App) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		stats, err := a.Repo.EngagementStats(req.Context(), time.Now().UTC())
		if err != nil {
			a.log.Error("stats query failed", zap.Error(err))
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	r.Post("/unsubscribe", a.handleUnsubscribe)

	return r
}

// handleUnsubscribe adds an address to the registry and flips the
// stored subscription flag so both exclusion paths agree.
func (a *App) handleUnsubscribe(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Email  string `json:"email"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || strings.TrimSpace(body.Email) == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}

	added, err := a.Unsubs.Add(body.Email, body.Reason)
	if err != nil {
		a.log.Error("unsubscribe write failed", zap.Error(err))
		http.Error(w, "registry unavailable", http.StatusInternalServerError)
		return
	}

	if err := a.Repo.SetSubscribed(req.Context(), body.Email, false); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.log.Error("subscription flag update failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"added": added})
}
