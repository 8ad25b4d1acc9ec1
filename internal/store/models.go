package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Timestamps are stored as RFC 3339 UTC text, matching the format the
// remote directory and the unsubscribe file use.

func toNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func fromNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func featuresToJSON(features []string) string {
	if len(features) == 0 {
		return "[]"
	}
	b, err := json.Marshal(features)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func featuresFromJSON(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
