// Package unsub maintains the opted-out address registry. The list
// lives in a versioned JSON file replicated out-of-band; when the
// local copy is absent the registry falls back to fetching the public
// raw-file URL. Lookups are cached with a TTL so a batch send does not
// refetch per recipient.
package unsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entry is one opted-out address.
type Entry struct {
	Email          string `json:"email"`
	UnsubscribedAt string `json:"unsubscribed_at"`
	Reason         string `json:"reason"`
}

// File is the on-disk/remote document shape.
type File struct {
	UnsubscribedEmails []Entry `json:"unsubscribed_emails"`
	LastUpdated        string  `json:"last_updated"`
	Version            int     `json:"version"`
}

// Registry answers unsubscribe membership queries and manages the
// local list file.
type Registry struct {
	filePath    string
	fallbackURL string
	ttl         time.Duration
	http        *http.Client
	log         *zap.Logger

	cache     map[string]struct{}
	cachedAt  time.Time
	now       func() time.Time
}

// New creates a registry reading filePath first and fallbackURL when
// the file is absent, caching results for ttl.
func New(filePath, fallbackURL string, ttl time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		filePath:    filePath,
		fallbackURL: fallbackURL,
		ttl:         ttl,
		http:        &http.Client{Timeout: 10 * time.Second},
		log:         log,
		now:         time.Now,
	}
}

// IsUnsubscribed reports whether the address has opted out,
// case-insensitively. Fetch or parse failures on the network fallback
// degrade to false: a broken unsubscribe mirror must not block a
// campaign, and the local file is authoritative when present.
func (r *Registry) IsUnsubscribed(ctx context.Context, email string) bool {
	set := r.load(ctx)
	_, ok := set[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

func (r *Registry) load(ctx context.Context) map[string]struct{} {
	if r.cache != nil && r.now().Sub(r.cachedAt) < r.ttl {
		return r.cache
	}

	set, err := r.loadFile()
	if err == nil {
		r.cache = set
		r.cachedAt = r.now()
		return set
	}
	if !errors.Is(err, os.ErrNotExist) {
		// A present-but-corrupt file is worth a warning before we try
		// the mirror.
		r.log.Warn("unsubscribe file unreadable, trying fallback URL", zap.Error(err))
	}

	set, err = r.fetchRemote(ctx)
	if err != nil {
		r.log.Warn("unsubscribe fallback fetch failed, assuming no unsubscribes", zap.Error(err))
		// Cache the empty result too: a dead mirror must not cost a
		// 10-second fetch per recipient in a batch send.
		set = map[string]struct{}{}
	}
	r.cache = set
	r.cachedAt = r.now()
	return set
}

func (r *Registry) loadFile() (map[string]struct{}, error) {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.filePath, err)
	}
	return toSet(f.UnsubscribedEmails), nil
}

func (r *Registry) fetchRemote(ctx context.Context) (map[string]struct{}, error) {
	if r.fallbackURL == "" {
		return nil, errors.New("no fallback URL configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.fallbackURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// No published list yet: nothing is unsubscribed.
		return map[string]struct{}{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch unsubscribe list: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("parse unsubscribe list: %w", err)
	}
	r.log.Info("fetched unsubscribe list from fallback URL",
		zap.Int("count", len(f.UnsubscribedEmails)))
	return toSet(f.UnsubscribedEmails), nil
}

func toSet(entries []Entry) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[strings.ToLower(e.Email)] = struct{}{}
	}
	return set
}

// Add appends an address to the local list file, creating the file if
// needed. Adding an already-present address is a no-op returning
// false. The version counter bumps on every change.
func (r *Registry) Add(email, reason string) (bool, error) {
	f, err := r.readOrInit()
	if err != nil {
		return false, err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range f.UnsubscribedEmails {
		if strings.ToLower(e.Email) == email {
			return false, nil
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	f.UnsubscribedEmails = append(f.UnsubscribedEmails, Entry{
		Email:          email,
		UnsubscribedAt: now,
		Reason:         reason,
	})
	f.LastUpdated = now
	f.Version++

	if err := r.writeFile(f); err != nil {
		return false, err
	}
	r.invalidate()
	return true, nil
}

// Remove deletes an address from the local list file (re-subscribe).
// Returns false when the address was not present.
func (r *Registry) Remove(email string) (bool, error) {
	f, err := r.readOrInit()
	if err != nil {
		return false, err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	kept := f.UnsubscribedEmails[:0]
	removed := false
	for _, e := range f.UnsubscribedEmails {
		if strings.ToLower(e.Email) == email {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false, nil
	}

	f.UnsubscribedEmails = kept
	f.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	f.Version++

	if err := r.writeFile(f); err != nil {
		return false, err
	}
	r.invalidate()
	return true, nil
}

func (r *Registry) readOrInit() (*File, error) {
	data, err := os.ReadFile(r.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return &File{UnsubscribedEmails: []Entry{}, Version: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.filePath, err)
	}
	return &f, nil
}

func (r *Registry) writeFile(f *File) error {
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.filePath, data, 0o644)
}

func (r *Registry) invalidate() {
	r.cache = nil
	r.cachedAt = time.Time{}
}
