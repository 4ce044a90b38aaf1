package model

import (
	"slices"
	"time"

	"cloud.google.com/go/civil"
)

// Confidence is the vision model's ordinal certainty for a detected mark.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// CandidateDate is one date extracted from a calendar scan.
type CandidateDate struct {
	Date       civil.Date `json:"date"`
	Confidence Confidence `json:"confidence"`
}

// Outcome is the ledger-level result of processing one source file.
type Outcome string

const (
	OutcomeRegistered           Outcome = "registered"
	OutcomeSkippedDuplicate     Outcome = "skipped-duplicate"
	OutcomeSkippedLowConfidence Outcome = "skipped-low-confidence"
	OutcomeFailed               Outcome = "failed"
)

// Final reports whether a file with this outcome must not be processed again.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeRegistered, OutcomeSkippedDuplicate, OutcomeSkippedLowConfidence:
		return true
	default:
		return false
	}
}

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	return o.Final() || o == OutcomeFailed
}

// ProcessedFileRecord is one ledger entry, keyed by ContentHash.
type ProcessedFileRecord struct {
	ContentHash   string       `json:"content_hash"`
	SourcePath    string       `json:"source_path"`
	ProcessedAt   time.Time    `json:"processed_at"`
	Outcome       Outcome      `json:"outcome"`
	DetectedDates []civil.Date `json:"detected_dates"`
}

// Provider names the calendar backend an account talks to.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderICS    Provider = "ics"
)

// CalendarAccount is read-only account configuration. CredentialsFile and
// TokenFile form the opaque credential handle for the Google provider.
type CalendarAccount struct {
	AccountID       string   `yaml:"id" json:"id"`
	DisplayName     string   `yaml:"name" json:"name"`
	NotifyEmail     string   `yaml:"email,omitempty" json:"email,omitempty"`
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Provider        Provider `yaml:"provider" json:"provider"`
	CredentialsFile string   `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
	TokenFile       string   `yaml:"token_file,omitempty" json:"token_file,omitempty"`
	CalendarID      string   `yaml:"calendar_id" json:"calendar_id"`
	Timezone        string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// Name returns the display name, falling back to the account id.
func (a CalendarAccount) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.AccountID
}

// Location resolves the account's calendar timezone, falling back to def.
func (a CalendarAccount) Location(def *time.Location) *time.Location {
	if a.Timezone != "" {
		if loc, err := time.LoadLocation(a.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.UTC
	}
	return def
}

// SkipReason explains why a date was not created for an account.
type SkipReason string

const (
	SkipExisting          SkipReason = "existing"
	SkipClaimed           SkipReason = "claimed"
	SkipExistingElsewhere SkipReason = "existing-elsewhere"
	SkipCancelled         SkipReason = "cancelled"
)

// Duplicate reports whether the reason means an equivalent event exists.
func (r SkipReason) Duplicate() bool {
	return r != SkipCancelled
}

// ErrorKind classifies a per-date registration failure.
type ErrorKind string

const (
	ErrorTransientExhausted ErrorKind = "transient-exhausted"
	ErrorPermanent          ErrorKind = "permanent"
)

// DateError is one failed date in a RegistrationOutcome.
type DateError struct {
	Date    civil.Date `json:"date"`
	Kind    ErrorKind  `json:"kind"`
	Message string     `json:"message"`
}

// RegistrationOutcome is the per-account, per-run result. Every candidate
// date appears in exactly one of Created, Skipped, WouldCreate or Errors.
type RegistrationOutcome struct {
	AccountID   string                    `json:"account_id"`
	Created     []civil.Date              `json:"created"`
	Skipped     map[civil.Date]SkipReason `json:"skipped"`
	WouldCreate []civil.Date              `json:"would_create,omitempty"`
	Errors      []DateError               `json:"errors"`

	// UnconsultedPeers lists peer accounts whose calendars could not be
	// queried under PolicyGlobal. Dates were still registered without them.
	UnconsultedPeers []string `json:"unconsulted_peers,omitempty"`
}

// NewRegistrationOutcome returns an empty outcome for accountID.
func NewRegistrationOutcome(accountID string) RegistrationOutcome {
	return RegistrationOutcome{
		AccountID:   accountID,
		Created:     []civil.Date{},
		Skipped:     map[civil.Date]SkipReason{},
		WouldCreate: []civil.Date{},
		Errors:      []DateError{},
	}
}

// Total is the number of dates the outcome accounts for.
func (o RegistrationOutcome) Total() int {
	return len(o.Created) + len(o.Skipped) + len(o.WouldCreate) + len(o.Errors)
}

// HasCreated reports whether d was created for this account.
func (o RegistrationOutcome) HasCreated(d civil.Date) bool {
	return slices.Contains(o.Created, d)
}

// ErrorFor returns the recorded error for d, if any.
func (o RegistrationOutcome) ErrorFor(d civil.Date) (DateError, bool) {
	for _, e := range o.Errors {
		if e.Date == d {
			return e, true
		}
	}
	return DateError{}, false
}

// SourceFile is one scanned file and the dates extracted from it.
type SourceFile struct {
	ContentHash string       `json:"content_hash"`
	Path        string       `json:"path"`
	Dates       []civil.Date `json:"dates"`
}

// SortDates returns a sorted copy of dates with duplicates removed.
func SortDates(dates []civil.Date) []civil.Date {
	out := slices.Clone(dates)
	slices.SortFunc(out, CompareDates)
	return slices.Compact(out)
}

// CompareDates orders civil dates chronologically.
func CompareDates(a, b civil.Date) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
