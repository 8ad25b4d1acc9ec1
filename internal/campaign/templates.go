// Package campaign renders and dispatches outreach emails.
//
// Templates are Go html/template documents embedded in the binary and
// rendered against typed contexts, so user-supplied values are always
// escaped before they reach an email body.
package campaign

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Engine holds the parsed campaign templates.
type Engine struct {
	templates *template.Template
}

// NewEngine parses the embedded templates.
func NewEngine() (*Engine, error) {
	t, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// FeatureContext feeds the feature-announcement template.
type FeatureContext struct {
	Name           string
	FeatureName    string
	Description    string
	ReleaseNotes   string
	CTALink        string
	UnsubscribeURL string
}

// ReengagementContext feeds the re-engagement template.
type ReengagementContext struct {
	Name           string
	Suggestions    []Suggestion
	UnsubscribeURL string
}

// OnboardingContext feeds the onboarding-help template.
type OnboardingContext struct {
	Name           string
	UnsubscribeURL string
}

// MarketingContext feeds named marketing templates.
type MarketingContext struct {
	Name           string
	UnsubscribeURL string
	PreferencesURL string
}

// Render executes the named template ("feature_announcement",
// "reengagement", "onboarding_help", or a marketing template file
// name) with the given context.
func (e *Engine) Render(name string, ctx any) (string, error) {
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name+".html", ctx); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Has reports whether a template with the given name is available,
// used to validate marketing template names before a run starts.
func (e *Engine) Has(name string) bool {
	return e.templates.Lookup(name+".html") != nil
}
