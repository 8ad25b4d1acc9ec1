// Package directory is the client for the remote user-identity API.
// It authenticates with short-lived bearer tokens, refreshes them
// before expiry, and normalizes the two response shapes the API uses
// for list endpoints.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// tokenMargin is how long an access token is trusted after issue.
// Tokens nominally live 60 minutes; refreshing at 55 leaves headroom
// for clock skew and in-flight requests.
const tokenMargin = 55 * time.Minute

var (
	// ErrCredentialsMissing means username/password were not configured.
	ErrCredentialsMissing = errors.New("directory credentials missing")
	// ErrUnauthorized means the remote rejected our credentials.
	ErrUnauthorized = errors.New("directory authentication failed")
	// ErrNotFound is the normal outcome of a single-entity lookup that
	// matched nothing.
	ErrNotFound = errors.New("remote user not found")
)

// Client talks to the remote user directory. It is not safe for
// concurrent use; the engagement system runs one batch at a time.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	log      *zap.Logger

	accessToken  string
	refreshToken string
	expiresAt    time.Time
	now          func() time.Time
}

// New creates a directory client. baseURL is trimmed of trailing
// slashes; the HTTP timeout bounds a stalled run.
func New(baseURL, username, password string, log *zap.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
		now:      time.Now,
	}
}

// Authenticate exchanges username/password for an access and refresh
// token pair.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.username == "" || c.password == "" {
		return ErrCredentialsMissing
	}

	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.log.Error("authentication failed", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	}

	var tokens struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	if tokens.Access == "" {
		return fmt.Errorf("%w: empty access token", ErrUnauthorized)
	}

	c.accessToken = tokens.Access
	c.refreshToken = tokens.Refresh
	c.expiresAt = c.now().Add(tokenMargin)
	c.log.Info("authenticated with user directory")
	return nil
}

// refreshAccessToken exchanges the refresh token for a new access
// token, falling back to a full re-authentication on any failure.
func (c *Client) refreshAccessToken(ctx context.Context) error {
	if c.refreshToken == "" {
		return c.Authenticate(ctx)
	}

	body, _ := json.Marshal(map[string]string{"refresh": c.refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/token/refresh/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("token refresh failed, re-authenticating", zap.Error(err))
		return c.Authenticate(ctx)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.log.Warn("token refresh rejected, re-authenticating", zap.Int("status", resp.StatusCode))
		return c.Authenticate(ctx)
	}

	var tokens struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil || tokens.Access == "" {
		return c.Authenticate(ctx)
	}

	c.accessToken = tokens.Access
	c.expiresAt = c.now().Add(tokenMargin)
	return nil
}

// ensureAuthenticated guarantees a usable access token before a
// request: authenticate if we have none, refresh if it expired.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.accessToken == "" {
		return c.Authenticate(ctx)
	}
	if c.now().After(c.expiresAt) {
		return c.refreshAccessToken(ctx)
	}
	return nil
}

// get issues an authenticated GET and returns the raw body. A non-2xx
// status other than 404 is an error for that call only; 404 returns
// ErrNotFound.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ListUsers fetches one page of users, optionally filtered by
// organization uuid, normalizing bare-array and paginated envelope
// responses into a Page.
func (c *Client) ListUsers(ctx context.Context, page int, organizationUUID string) (*Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if organizationUUID != "" {
		q.Set("organization__organization_uuid", organizationUUID)
	}

	body, err := c.get(ctx, "/coreuser/", q)
	if err != nil {
		return nil, err
	}
	return decodePage(body)
}

// decodePage tolerates both response shapes the directory uses.
func decodePage(body []byte) (*Page, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var users []RemoteUser
		if err := json.Unmarshal(body, &users); err != nil {
			return nil, fmt.Errorf("decode user array: %w", err)
		}
		return &Page{Users: users, Count: len(users), HasNext: false}, nil
	}

	var envelope struct {
		Results []RemoteUser `json:"results"`
		Count   int          `json:"count"`
		Next    *string      `json:"next"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode user page: %w", err)
	}
	count := envelope.Count
	if count == 0 {
		count = len(envelope.Results)
	}
	return &Page{
		Users:   envelope.Results,
		Count:   count,
		HasNext: envelope.Next != nil && *envelope.Next != "",
	}, nil
}

// ListAllUsers pages through the full user list. A page fetch error
// logs and stops pagination early; the users collected so far are
// returned rather than discarded.
func (c *Client) ListAllUsers(ctx context.Context, organizationUUID string) ([]RemoteUser, error) {
	var all []RemoteUser
	for page := 1; ; page++ {
		p, err := c.ListUsers(ctx, page, organizationUUID)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			c.log.Error("user page fetch failed, returning partial results",
				zap.Int("page", page), zap.Error(err))
			break
		}
		if len(p.Users) == 0 {
			break
		}
		all = append(all, p.Users...)
		if !p.HasNext {
			break
		}
	}
	c.log.Info("retrieved users from directory", zap.Int("count", len(all)))
	return all, nil
}

// GetUserByID looks up one user. ErrNotFound is a normal outcome.
func (c *Client) GetUserByID(ctx context.Context, id string) (*RemoteUser, error) {
	body, err := c.get(ctx, "/coreuser/"+url.PathEscape(id)+"/", nil)
	if err != nil {
		return nil, err
	}
	var u RemoteUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// GetCurrentUser returns the authenticated user. Some deployments
// answer /coreuser/me/ with a results envelope holding one record.
func (c *Client) GetCurrentUser(ctx context.Context) (*RemoteUser, error) {
	body, err := c.get(ctx, "/coreuser/me/", nil)
	if err != nil {
		return nil, err
	}

	var u RemoteUser
	if err := json.Unmarshal(body, &u); err == nil && u.CoreUserUUID != "" {
		return &u, nil
	}

	var envelope struct {
		Results []RemoteUser `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode current user: %w", err)
	}
	if len(envelope.Results) == 0 {
		return nil, ErrNotFound
	}
	return &envelope.Results[0], nil
}

// ListOrganizations returns all organizations, tolerating both shapes.
func (c *Client) ListOrganizations(ctx context.Context) ([]Organization, error) {
	body, err := c.get(ctx, "/organization/", nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var orgs []Organization
		if err := json.Unmarshal(body, &orgs); err != nil {
			return nil, fmt.Errorf("decode organizations: %w", err)
		}
		return orgs, nil
	}

	var envelope struct {
		Results []Organization `json:"results"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode organizations: %w", err)
	}
	return envelope.Results, nil
}

// TestConnection authenticates and fetches the current user, reporting
// whether the API is reachable with the configured credentials.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.Authenticate(ctx); err != nil {
		return err
	}
	me, err := c.GetCurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("fetch current user: %w", err)
	}
	c.log.Info("directory connection ok", zap.String("email", me.Email))
	return nil
}
