package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/buildlyio/MarketingTool/internal/app"
	"github.com/buildlyio/MarketingTool/internal/campaign"
	"github.com/buildlyio/MarketingTool/internal/config"
	"github.com/buildlyio/MarketingTool/internal/domain"
	"github.com/buildlyio/MarketingTool/internal/logger"
	"github.com/buildlyio/MarketingTool/internal/store"
)

const usage = `Buildly user engagement tool

Usage: engage <command> [flags]

Commands:
  sync                  Pull users from the Buildly directory into the local store
  import-users          Import users from a JSON file
  feature-announcement  Email active users about a new feature
  reengagement          Email inactive users a check-in
  marketing             Send a marketing campaign to all subscribed users
  onboarding-help       Email recent signups who never got going
  list-users            List users in the remote directory
  list-orgs             List organizations in the remote directory
  test-api              Verify directory credentials and connectivity
  stats                 Print engagement statistics and email analytics
  unsubscribe           Add an address to the unsubscribe registry
  resubscribe           Remove an address from the unsubscribe registry
  run                   Start daemon mode (scheduled sync and campaigns)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	// A local .env is a development convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	cmd, args := os.Args[1], os.Args[2:]
	if err := dispatch(ctx, a, cmd, args); err != nil {
		log.Error("command failed", zap.String("command", cmd), zap.Error(err))
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, a *app.App, cmd string, args []string) error {
	switch cmd {
	case "sync":
		return cmdSync(ctx, a, args)
	case "import-users":
		return cmdImportUsers(ctx, a, args)
	case "feature-announcement":
		return cmdFeatureAnnouncement(ctx, a, args)
	case "reengagement":
		return cmdReengagement(ctx, a, args)
	case "marketing":
		return cmdMarketing(ctx, a, args)
	case "onboarding-help":
		return cmdOnboardingHelp(ctx, a, args)
	case "list-users":
		return cmdListUsers(ctx, a, args)
	case "list-orgs":
		return cmdListOrgs(ctx, a)
	case "test-api":
		return cmdTestAPI(ctx, a)
	case "stats":
		return cmdStats(ctx, a)
	case "unsubscribe":
		return cmdUnsubscribe(ctx, a, args, true)
	case "resubscribe":
		return cmdUnsubscribe(ctx, a, args, false)
	case "run":
		return a.Run(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdSync(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	org := fs.String("organization", "", "restrict to one organization UUID")
	newOnly := fs.Bool("new-only", false, "import only users who signed up recently")
	days := fs.Int("days", 7, "lookback window for -new-only, in days")
	_ = fs.Parse(args)

	if *newOnly {
		rep, err := a.Syncer.SyncNewOnly(ctx, *org, *days)
		if err != nil {
			return err
		}
		fmt.Printf("added: %d, existing: %d, errors: %d\n", rep.Added, rep.Existing, rep.Errors)
		return nil
	}

	rep, err := a.Syncer.SyncAll(ctx, *org)
	if err != nil {
		return err
	}
	fmt.Printf("new: %d, updated: %d, errors: %d\n", rep.New, rep.Updated, rep.Errors)
	return nil
}

// importRecord is one entry of the import file: either a bare JSON
// array of these, or an envelope {"users": [...]}.
type importRecord struct {
	Email            string   `json:"email"`
	Name             string   `json:"name"`
	SignupDate       string   `json:"signup_date"`
	LastLogin        string   `json:"last_login"`
	FeaturesUsed     []string `json:"features_used"`
	SubscriptionType string   `json:"subscription_type"`
}

func cmdImportUsers(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("import-users", flag.ExitOnError)
	file := fs.String("file", "", "path to the JSON user file")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("-file is required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	var records []importRecord
	if err := json.Unmarshal(data, &records); err != nil {
		var envelope struct {
			Users []importRecord `json:"users"`
		}
		if err2 := json.Unmarshal(data, &envelope); err2 != nil {
			return fmt.Errorf("parse %s: %w", *file, err)
		}
		records = envelope.Users
	}

	imported, failed := 0, 0
	for _, rec := range records {
		u, err := importToUser(rec)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "skipping record: %v\n", err)
			continue
		}
		if _, err := a.Repo.Upsert(ctx, u); err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", u.Email, err)
			continue
		}
		imported++
	}
	fmt.Printf("imported: %d, failed: %d\n", imported, failed)
	return nil
}

func importToUser(rec importRecord) (*domain.User, error) {
	if rec.Email == "" {
		return nil, errors.New("record has no email")
	}
	u := &domain.User{
		Email:            rec.Email,
		Name:             rec.Name,
		FeaturesUsed:     rec.FeaturesUsed,
		SubscriptionType: domain.SubscriptionType(rec.SubscriptionType),
	}
	if t, err := parseImportTime(rec.SignupDate); err != nil {
		return nil, fmt.Errorf("%s: bad signup_date: %w", rec.Email, err)
	} else if t != nil {
		u.SignupDate = t
	}
	if t, err := parseImportTime(rec.LastLogin); err != nil {
		return nil, fmt.Errorf("%s: bad last_login: %w", rec.Email, err)
	} else if t != nil {
		u.LastLogin = t
	}
	return u, nil
}

func parseImportTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized timestamp %q", s)
}

func cmdFeatureAnnouncement(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("feature-announcement", flag.ExitOnError)
	name := fs.String("name", "", "feature name (required)")
	desc := fs.String("description", "", "short feature description (required)")
	notes := fs.String("release-notes", "", "optional release notes")
	cta := fs.String("cta", "", "optional call-to-action link")
	test := fs.Bool("test", false, "send a single test email to the BCC address")
	_ = fs.Parse(args)
	if *name == "" || *desc == "" {
		return errors.New("-name and -description are required")
	}

	res, err := a.Dispatcher.SendFeatureAnnouncement(ctx, campaign.FeatureAnnouncement{
		Name:         *name,
		Description:  *desc,
		ReleaseNotes: *notes,
		CTALink:      *cta,
	}, *test)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdReengagement(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("reengagement", flag.ExitOnError)
	test := fs.Bool("test", false, "send a single test email to the BCC address")
	_ = fs.Parse(args)

	res, err := a.Dispatcher.SendReengagement(ctx, *test)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdMarketing(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("marketing", flag.ExitOnError)
	tmpl := fs.String("template", "product_update", "marketing template name")
	subject := fs.String("subject", "", "email subject (required)")
	name := fs.String("campaign", "", "campaign name for analytics")
	test := fs.Bool("test", false, "send a single test email to the BCC address")
	_ = fs.Parse(args)
	if *subject == "" {
		return errors.New("-subject is required")
	}

	res, err := a.Dispatcher.SendMarketing(ctx, *tmpl, *subject, *name, *test)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func cmdOnboardingHelp(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("onboarding-help", flag.ExitOnError)
	test := fs.Bool("test", false, "send a single test email to the BCC address")
	_ = fs.Parse(args)

	res, err := a.Dispatcher.SendOnboardingHelp(ctx, *test)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func printResult(res *campaign.Result) {
	fmt.Printf("sent: %d, failed: %d, skipped: %d\n", res.Sent, res.Failed, res.Skipped)
	for reason, n := range res.SkipReasons {
		fmt.Printf("  skipped (%s): %d\n", reason, n)
	}
}

func cmdListUsers(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("list-users", flag.ExitOnError)
	org := fs.String("organization", "", "restrict to one organization UUID")
	_ = fs.Parse(args)

	users, err := a.Directory.ListAllUsers(ctx, *org)
	if err != nil {
		return err
	}
	for i := range users {
		u := &users[i]
		orgName := ""
		if u.Organization != nil {
			orgName = u.Organization.Name
		}
		fmt.Printf("%-40s %-30s %s\n", u.Email, u.FullName(), orgName)
	}
	fmt.Printf("total: %d\n", len(users))
	return nil
}

func cmdListOrgs(ctx context.Context, a *app.App) error {
	orgs, err := a.Directory.ListOrganizations(ctx)
	if err != nil {
		return err
	}
	for _, o := range orgs {
		fmt.Printf("%-40s %s\n", o.OrganizationUUID, o.Name)
	}
	fmt.Printf("total: %d\n", len(orgs))
	return nil
}

func cmdTestAPI(ctx context.Context, a *app.App) error {
	if err := a.Directory.TestConnection(ctx); err != nil {
		return err
	}
	fmt.Println("directory connection ok")
	return nil
}

func cmdStats(ctx context.Context, a *app.App) error {
	stats, err := a.Repo.EngagementStats(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	fmt.Println("User activity:")
	for _, level := range []domain.ActivityLevel{
		domain.ActivityActive, domain.ActivityModeratelyActive, domain.ActivityInactive,
	} {
		fmt.Printf("  %-18s %d\n", level, stats.UserActivity[level])
	}

	fmt.Println("Campaigns (last 30 days):")
	for campaignType, statuses := range stats.EmailCampaigns {
		for status, n := range statuses {
			fmt.Printf("  %-22s %-7s %d\n", campaignType, status, n)
		}
	}

	analytics, err := a.Repo.EmailAnalytics(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Subscribers: %d of %d (%.1f%%)\n",
		analytics.SubscribedUsers, analytics.TotalUsers, analytics.SubscriptionRate)
	for _, c := range analytics.Campaigns {
		fmt.Printf("  campaign %-30s sent %d\n", c.CampaignName, c.SentCount)
	}
	return nil
}

func cmdUnsubscribe(ctx context.Context, a *app.App, args []string, unsubscribe bool) error {
	name := "unsubscribe"
	if !unsubscribe {
		name = "resubscribe"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.String("email", "", "address to update (required)")
	reason := fs.String("reason", "user request", "reason recorded in the registry")
	_ = fs.Parse(args)
	if *email == "" {
		return errors.New("-email is required")
	}

	if unsubscribe {
		added, err := a.Unsubs.Add(*email, *reason)
		if err != nil {
			return err
		}
		if err := a.Repo.SetSubscribed(ctx, *email, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if added {
			fmt.Printf("%s unsubscribed\n", *email)
		} else {
			fmt.Printf("%s was already unsubscribed\n", *email)
		}
		return nil
	}

	removed, err := a.Unsubs.Remove(*email)
	if err != nil {
		return err
	}
	if err := a.Repo.SetSubscribed(ctx, *email, true); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if removed {
		fmt.Printf("%s resubscribed\n", *email)
	} else {
		fmt.Printf("%s was not in the unsubscribe registry\n", *email)
	}
	return nil
}
