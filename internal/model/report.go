package model

import "time"

// Policy selects how far duplicate suppression reaches across accounts.
type Policy string

const (
	// PolicyClaim checks the creating account's own calendar plus the
	// claims made by sibling accounts in the current run. Without a
	// ledger, a rerun lets a sibling create what another account owns.
	PolicyClaim Policy = "claim"
	// PolicyGlobal additionally checks every enabled account's calendar
	// for a pre-existing event before creating. It is the default.
	PolicyGlobal Policy = "global"
)

// NotificationStatus is the delivery result of one account summary.
type NotificationStatus string

const (
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
	NotificationSkipped   NotificationStatus = "skipped"
)

// NotificationResult records what happened to one account's summary mail.
type NotificationResult struct {
	AccountID string             `json:"account_id"`
	Status    NotificationStatus `json:"status"`
	Recipient string             `json:"recipient,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// RunCounts aggregates outcomes across all accounts of a run.
type RunCounts struct {
	Created     int `json:"created"`
	Skipped     int `json:"skipped"`
	WouldCreate int `json:"would_create"`
	Errors      int `json:"errors"`
}

// RunReport is the single result of one orchestrator run.
type RunReport struct {
	RunID            string                `json:"run_id"`
	StartedAt        time.Time             `json:"started_at"`
	FinishedAt       time.Time             `json:"finished_at"`
	DryRun           bool                  `json:"dry_run"`
	Policy           Policy                `json:"policy"`
	Title            string                `json:"title"`
	Outcomes         []RegistrationOutcome `json:"outcomes"`
	Notifications    []NotificationResult  `json:"notifications"`
	Counts           RunCounts             `json:"counts"`
	LedgerCommitted  []string              `json:"ledger_committed"`
	LedgerFailed     []string              `json:"ledger_failed"`
	AlreadyProcessed []string              `json:"already_processed"`
}

// Outcome returns the outcome for accountID, if present.
func (r RunReport) Outcome(accountID string) (RegistrationOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.AccountID == accountID {
			return o, true
		}
	}
	return RegistrationOutcome{}, false
}

// Tally recomputes Counts from Outcomes.
func (r *RunReport) Tally() {
	var c RunCounts
	for _, o := range r.Outcomes {
		c.Created += len(o.Created)
		c.Skipped += len(o.Skipped)
		c.WouldCreate += len(o.WouldCreate)
		c.Errors += len(o.Errors)
	}
	r.Counts = c
}
