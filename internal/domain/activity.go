package domain

import "time"

// Category classifies what a record's time was spent on.
type Category string

// The closed set of record categories.
const (
	CategoryLearn            Category = "learn"
	CategoryDSA              Category = "dsa"
	CategoryProject          Category = "project"
	CategoryAssignment       Category = "assignment"
	CategoryExam             Category = "exam"
	CategoryTimepass         Category = "timepass"
	CategoryCommute          Category = "commute"
	CategorySleep            Category = "sleep"
	CategoryWake             Category = "wake"
	CategoryAppUsage         Category = "app_usage"
	CategoryGithubEvent      Category = "github_event"
	CategoryLectureCancelled Category = "lecture_cancelled"
	CategorySocial           Category = "social"
)

var validCategories = map[Category]struct{}{
	CategoryLearn: {}, CategoryDSA: {}, CategoryProject: {}, CategoryAssignment: {},
	CategoryExam: {}, CategoryTimepass: {}, CategoryCommute: {}, CategorySleep: {},
	CategoryWake: {}, CategoryAppUsage: {}, CategoryGithubEvent: {},
	CategoryLectureCancelled: {}, CategorySocial: {},
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	_, ok := validCategories[c]
	return ok
}

// Source identifies which collector produced an observation.
type Source string

// Known observation sources.
const (
	SourceManual           Source = "manual"
	SourceBrowserExtension Source = "browser_extension"
	SourceMobileTracker    Source = "mobile_tracker"
	SourceTakeout          Source = "takeout"
	SourceShare            Source = "share"
	SourceGithub           Source = "github"
	SourceDesktopApp       Source = "desktop_app"
)

var validSources = map[Source]struct{}{
	SourceManual: {}, SourceBrowserExtension: {}, SourceMobileTracker: {},
	SourceTakeout: {}, SourceShare: {}, SourceGithub: {}, SourceDesktopApp: {},
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	_, ok := validSources[s]
	return ok
}

// Context is the structured metadata bag carried by observations and records.
// It is replaced wholesale on merge when the incoming observation carries one.
type Context struct {
	Domain    string `json:"domain,omitempty"`
	URL       string `json:"url,omitempty"`
	Package   string `json:"package,omitempty"`
	Repo      string `json:"repo,omitempty"`
	VideoType string `json:"videoType,omitempty"`
	Device    string `json:"device,omitempty"`
}

// IsZero reports whether no context field is set.
func (c Context) IsZero() bool {
	return c == Context{}
}

// HistoryEntry is one sub-event in a record's history ledger. Entries are
// append-only except the last one, whose duration may grow in place when
// consecutive observations share a title.
type HistoryEntry struct {
	Title           string    `json:"title"`
	URL             string    `json:"url,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	DurationMinutes int       `json:"duration"`
}

// Record is the persisted, merged activity for one (owner, category,
// identity, day). Source and CreatedAt are immutable after creation.
type Record struct {
	ID              string
	OwnerID         string
	Category        Category
	Title           string
	Source          Source
	Context         Context
	StartTime       time.Time
	EndTime         time.Time
	DurationMinutes int
	History         []HistoryEntry
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Observation is one raw activity ping from a collector, before merging.
type Observation struct {
	OwnerID         string
	Category        Category // optional; empty defaults to app_usage
	Title           string
	Source          Source
	StartTime       time.Time
	EndTime         time.Time // zero means "now"
	DurationMinutes int       // zero means derived from the time window
	Context         Context
}

// DiscriminatorField names which record field identifies a merge candidate.
type DiscriminatorField string

// Discriminator priority: domain, then package, then exact title.
const (
	DiscriminatorDomain  DiscriminatorField = "domain"
	DiscriminatorPackage DiscriminatorField = "package"
	DiscriminatorTitle   DiscriminatorField = "title"
)

// MergeQuery is the explicit candidate-lookup filter handed to the store.
// Repositories translate it to their native query form; callers never build
// store queries by hand.
type MergeQuery struct {
	OwnerID  string
	Category Category
	DayStart time.Time
	DayEnd   time.Time
	Field    DiscriminatorField
	Value    string
}

// ListQuery filters owner-scoped listing.
type ListQuery struct {
	OwnerID  string
	Category Category  // optional
	From, To time.Time // optional window on start time
}

// Cursor models the pagination token for listing.
type Cursor struct {
	StartTime time.Time
	ID        string
}

// MergeStatus describes what the merge engine did with an observation.
type MergeStatus string

// Possible merge outcomes. Ignored and deduplicated are successful no-ops.
const (
	MergeStatusCreated      MergeStatus = "created"
	MergeStatusMerged       MergeStatus = "merged"
	MergeStatusIgnored      MergeStatus = "ignored"
	MergeStatusDeduplicated MergeStatus = "deduplicated"
)

// MergeOutcome is the result of feeding one observation through the pipeline.
// Record is nil for no-op outcomes. Split is set when the observation crossed
// midnight and was folded in as several parts; the outcome then describes the
// final part.
type MergeOutcome struct {
	Status MergeStatus
	Record *Record
	Split  bool
}

// DailyTotal is one (day, category) aggregate for reporting.
type DailyTotal struct {
	Day          time.Time `json:"day"`
	Category     Category  `json:"category"`
	TotalMinutes int       `json:"total_minutes"`
}

// CategoryTotal is the per-category duration distribution.
type CategoryTotal struct {
	Category     Category `json:"category"`
	TotalMinutes int      `json:"total_minutes"`
}

// IdentityTotal ranks identities (domain, package, or title) by duration.
type IdentityTotal struct {
	Identity     string `json:"identity"`
	TotalMinutes int    `json:"total_minutes"`
}

// Summary is the reporting read contract over persisted records.
type Summary struct {
	DailyTotals   []DailyTotal    `json:"daily_totals"`
	Distribution  []CategoryTotal `json:"distribution"`
	TopIdentities []IdentityTotal `json:"top_identities"`
}
