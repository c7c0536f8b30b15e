// Package model defines the shared data structures of the fetch
// orchestration engine.
package model

import "time"

// TargetKind identifies what a Target monitors.
type TargetKind string

const (
	// TargetUser monitors a single account's posts.
	TargetUser TargetKind = "user"
	// TargetHashtag monitors every post carrying a given hashtag.
	TargetHashtag TargetKind = "hashtag"
)

// Valid reports whether k is one of the recognised target kinds.
func (k TargetKind) Valid() bool {
	return k == TargetUser || k == TargetHashtag
}

// MinPollIntervalSeconds is the minimum allowed polling cadence.
const MinPollIntervalSeconds = 60

// Target is a monitored account or hashtag.
type Target struct {
	ID                  int64      `json:"id"`
	Kind                TargetKind `json:"type"`
	Value               string     `json:"value"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	LastFetchedID       string     `json:"last_fetched_id"` // empty if never fetched
	LastFetchedAt       string     `json:"last_fetched_at"` // ISO-8601 UTC, empty if never fetched
}

// Composite returns the denormalized "kind:value" string stored on Post.Target.
func (t Target) Composite() string {
	return string(t.Kind) + ":" + t.Value
}

// Post is a single captured record harvested from a gateway feed.
type Post struct {
	ID        string // feed entry id, else link
	Target    string // composite "kind:value"
	Content   string
	CreatedAt string // ISO-8601, capture time if the feed omitted one
	Raw       string // opaque JSON payload of the extracted feed fields
	FetchedAt string
	Instance  string // base URL of the gateway instance that served it
}

// InstanceSnapshot is the read-only view of one gateway instance's state
// returned by the Gateway Pool's health snapshot.
type InstanceSnapshot struct {
	BaseURL           string        `json:"base_url"`
	Tokens            float64       `json:"tokens"`
	BackoffRemaining  time.Duration `json:"backoff_remaining"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastRTT           time.Duration `json:"last_rtt"`
	LastError         string        `json:"last_error"`
}

// SeedTarget is a target entry supplied via configuration, written to the
// store only the first time the process starts against an empty registry.
type SeedTarget struct {
	Type                string `json:"type"`
	Value               string `json:"value"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// FetchSummary is the result of driving the Fetch Pipeline once for a
// single target.
type FetchSummary struct {
	Target   string
	New      int
	Error    string
	Instance string
}

// OnDemandResult is the aggregate returned by driving the Fetch Pipeline
// once over every registered target.
type OnDemandResult struct {
	NewCountsByTarget map[string]int    `json:"newCountsByTarget"`
	FailedInstances   []OnDemandFailure `json:"failedInstances"`
}

// OnDemandFailure records one target's failed fetch during an on-demand run.
type OnDemandFailure struct {
	Instance string `json:"instance"`
	Error    string `json:"error"`
	Target   string `json:"target"`
}
