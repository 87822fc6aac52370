package domain

import "time"

// DeleteFailure records a rule that could not be deleted during the purge.
type DeleteFailure struct {
	RuleNumber int    `json:"rule_number"`
	Error      string `json:"error"`
}

// Result is the outcome of a single reconciliation.
type Result struct {
	GroupID        string          `json:"group_id"`
	CurrentIP      string          `json:"current_ip"`
	UpToDate       bool            `json:"up_to_date"`
	MatchedRule    *FirewallRule   `json:"matched_rule,omitempty"`
	Deleted        []int           `json:"deleted,omitempty"`
	DeleteFailures []DeleteFailure `json:"delete_failures,omitempty"`
	Created        []FirewallRule  `json:"created,omitempty"`
	DryRun         bool            `json:"dry_run,omitempty"`
}

// Run statuses stored in the history journal.
const (
	RunStatusUpToDate = "up_to_date"
	RunStatusUpdated  = "updated"
	RunStatusFailed   = "failed"
)

// RunRecord is one entry of the run history journal.
// The journal is write-only from the reconciler's point of view; the remote
// rule set stays the only source of truth.
type RunRecord struct {
	ID             string    `json:"id" db:"id"`
	GroupName      string    `json:"group_name" db:"group_name"`
	GroupID        string    `json:"group_id,omitempty" db:"group_id"`
	CurrentIP      string    `json:"current_ip,omitempty" db:"current_ip"`
	Status         string    `json:"status" db:"status"`
	Phase          string    `json:"phase,omitempty" db:"phase"`
	Error          string    `json:"error,omitempty" db:"error"`
	DeletedCount   int       `json:"deleted_count" db:"deleted_count"`
	DeleteFailures int       `json:"delete_failures" db:"delete_failures"`
	CreatedCount   int       `json:"created_count" db:"created_count"`
	DryRun         bool      `json:"dry_run" db:"dry_run"`
	StartedAt      time.Time `json:"started_at" db:"started_at"`
	FinishedAt     time.Time `json:"finished_at" db:"finished_at"`
}

// Duration returns how long the run took.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
