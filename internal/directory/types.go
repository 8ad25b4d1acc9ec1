package directory

import (
	"strings"
	"time"
)

// RemoteUser is one record from the remote user directory.
type RemoteUser struct {
	CoreUserUUID       string `json:"core_user_uuid"`
	Username           string `json:"username"`
	Email              string `json:"email"`
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	IsActive           bool   `json:"is_active"`
	CreateDate         string `json:"create_date"`
	EditDate           string `json:"edit_date"`
	SubscriptionActive string `json:"subscription_active"`
	UserType           string `json:"user_type"`

	Organization *struct {
		OrganizationUUID string `json:"organization_uuid"`
		Name             string `json:"name"`
	} `json:"organization"`
}

// OrganizationUUID returns the nested organization uuid, if any.
func (u *RemoteUser) OrganizationUUID() string {
	if u.Organization == nil {
		return ""
	}
	return u.Organization.OrganizationUUID
}

// FullName joins first and last name, trimming when either is empty.
func (u *RemoteUser) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// SignupDate parses create_date, falling back to now on empty or
// malformed input.
func (u *RemoteUser) SignupDate(now time.Time) time.Time {
	if t, ok := parseRemoteTime(u.CreateDate); ok {
		return t
	}
	return now.UTC()
}

// LastActivityDate parses edit_date, falling back to the signup date.
func (u *RemoteUser) LastActivityDate(now time.Time) time.Time {
	if t, ok := parseRemoteTime(u.EditDate); ok {
		return t
	}
	return u.SignupDate(now)
}

// parseRemoteTime accepts the timestamp variants the directory emits:
// RFC 3339 with or without fractional seconds, "Z" or numeric offset.
func parseRemoteTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Organization is one record from the organization listing.
type Organization struct {
	OrganizationUUID string `json:"organization_uuid"`
	Name             string `json:"name"`
	CreateDate       string `json:"create_date"`
}

// Page is the normalized result of one user-list request. The remote
// answers either with a bare array or with a {results, count, next}
// envelope; callers only ever see this shape.
type Page struct {
	Users   []RemoteUser
	Count   int
	HasNext bool
}
