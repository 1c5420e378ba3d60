// Package domain implements the activity ingestion and merge engine.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iamavinashmourya/DevOrbit/internal/observability"
)

var (
	// ErrValidation marks observations missing required fields. No write is
	// attempted for these.
	ErrValidation = errors.New("invalid observation")
	// ErrStorage wraps persistence failures surfaced to the caller.
	ErrStorage = errors.New("storage failure")
	// ErrRecordNotFound is returned when a record cannot be located.
	ErrRecordNotFound = errors.New("activity record not found")
)

// ActivityRepository captures the store operations the merge engine needs.
type ActivityRepository interface {
	// FindMergeCandidate returns the most recently started record matching
	// the query, or nil when none exists.
	FindMergeCandidate(ctx context.Context, q MergeQuery) (*Record, error)
	Create(ctx context.Context, rec Record) error
	// Update persists the full record; addedMinutes is the duration delta
	// this write contributed, zero for manual edits.
	Update(ctx context.Context, rec Record, addedMinutes int) error
	// LatestBySource returns the owner's most recently updated record from
	// the given source updated at or after since, or nil.
	LatestBySource(ctx context.Context, ownerID string, source Source, since time.Time) (*Record, error)
	Get(ctx context.Context, ownerID, recordID string) (*Record, error)
	Delete(ctx context.Context, ownerID, recordID string) error
	ListByOwner(ctx context.Context, q ListQuery, cursor *Cursor, limit int) ([]Record, *Cursor, error)
	Summarize(ctx context.Context, ownerID string, from, to time.Time, topLimit int) (*Summary, error)
}

// Classifier resolves a category for a (title, context) pair. Oracle failures
// are recovered internally; implementations return an error only when the
// context is cancelled.
type Classifier interface {
	Classify(ctx context.Context, ownerID, title, contextHint string) (Category, error)
}

// Notifier receives best-effort callbacks after a record is written.
type Notifier interface {
	ActivityUpserted(ownerID string, rec *Record, status MergeStatus)
}

const (
	// defaultDedupWindow is how recently a browser-extension record must have
	// been updated for a desktop observation about a browser to be dropped.
	defaultDedupWindow = 60 * time.Second
	// maxMidnightSplits caps the day-boundary splitter for multi-day spans.
	maxMidnightSplits = 7
	// classifyFanout bounds concurrent oracle calls in the batch pre-pass.
	classifyFanout = 4
)

// Browser process names, matched as lowercase substrings against the package
// field of desktop observations.
var browserPackages = []string{
	"chrome", "msedge", "edge", "firefox", "brave", "opera", "vivaldi", "arc", "safari",
}

// Window titles reported by collectors that carry no signal. Matched
// case-insensitively after trimming.
var noiseTitles = map[string]struct{}{
	"":                              {},
	"new tab":                       {},
	"untitled":                      {},
	"windows explorer":              {},
	"command prompt":                {},
	"windows powershell":            {},
	"task manager":                  {},
	"lockapp":                       {},
	"searchhost":                    {},
	"applicationframehost":          {},
	"windows start experience host": {},
	"control panel":                 {},
	"systemsettings":                {},
	"program manager":               {},
	"task switching":                {},
}

// Service is the single-owner entry point for folding observations into
// per-day, per-category records.
type Service struct {
	repo        ActivityRepository
	classifier  Classifier
	notifier    Notifier
	logger      *log.Logger
	now         func() time.Time
	dedupWindow time.Duration
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier attaches a post-write notifier (live-sync hub).
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLogger overrides the logger used for batch item failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDedupWindow overrides the cross-source suppression window.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Service) { s.dedupWindow = d }
}

// NewService constructs a Service.
func NewService(repo ActivityRepository, classifier Classifier, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		classifier:  classifier,
		logger:      log.New(log.Writer(), "[merge] ", log.LstdFlags),
		now:         time.Now,
		dedupWindow: defaultDedupWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MergeOne feeds a single observation through the full pipeline: day-boundary
// split, ignore filter, cross-source dedup, identity resolution,
// classification, and merge-or-create.
//
// The read-then-write in the merge step is not transactional: two collectors
// reporting concurrently can both miss the candidate lookup and create twin
// records, or overwrite each other's duration delta. That lost-update race is
// an accepted tradeoff; batch submissions avoid self-races by replaying
// sequentially.
func (s *Service) MergeOne(ctx context.Context, obs Observation) (MergeOutcome, error) {
	if err := obs.validate(); err != nil {
		return MergeOutcome{}, err
	}

	parts := s.splitAtMidnight(obs)
	if len(parts) == 1 {
		return s.mergePart(ctx, parts[0], nil)
	}

	var out MergeOutcome
	for _, part := range parts {
		o, err := s.mergePart(ctx, part, nil)
		if err != nil {
			return MergeOutcome{}, err
		}
		out = o
	}
	out.Split = true
	return out, nil
}

// MergeBatch pre-classifies the unique (title, context) pairs concurrently,
// then replays every observation through the single-item pipeline in
// chronological order. Individual failures are logged and skipped; the
// returned count covers successes and no-ops alike.
func (s *Service) MergeBatch(ctx context.Context, observations []Observation) (int, error) {
	pre := s.preclassify(ctx, observations)

	sorted := make([]Observation, len(observations))
	copy(sorted, observations)
	// Chronological replay is load-bearing: the most-recent-match lookup and
	// in-place history accumulation are only correct in start-time order.
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	processed := 0
	for _, obs := range sorted {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := obs.validate(); err != nil {
			s.logger.Printf("batch item rejected: %v", err)
			continue
		}
		failed := false
		for _, part := range s.splitAtMidnight(obs) {
			if _, err := s.mergePart(ctx, part, pre); err != nil {
				s.logger.Printf("batch item failed (owner=%s, title=%q): %v", obs.OwnerID, obs.Title, err)
				failed = true
				break
			}
		}
		if !failed {
			processed++
		}
	}
	return processed, nil
}

// preclassify resolves categories for the unique classification pairs in the
// batch with a bounded fan-out. Each call is cache-aware, so repeated batches
// stay cheap.
func (s *Service) preclassify(ctx context.Context, observations []Observation) map[string]Category {
	type pair struct {
		ownerID, title, hint string
	}
	unique := make(map[string]pair)
	for _, obs := range observations {
		if isNoiseTitle(obs.Title) || !needsClassification(obs) {
			continue
		}
		title := sanitizeTitle(obs)
		hint := classificationHint(obs.Context)
		key := pairKey(title, hint)
		if _, ok := unique[key]; !ok {
			unique[key] = pair{ownerID: obs.OwnerID, title: title, hint: hint}
		}
	}
	if len(unique) == 0 {
		return nil
	}

	results := make(map[string]Category, len(unique))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, classifyFanout)
	)
	for key, p := range unique {
		wg.Add(1)
		go func(key string, p pair) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			cat, err := s.classifier.Classify(ctx, p.ownerID, p.title, p.hint)
			if err != nil || !cat.Valid() {
				return
			}
			mu.Lock()
			results[key] = cat
			mu.Unlock()
		}(key, p)
	}
	wg.Wait()
	return results
}

// mergePart runs one already-split observation through ignore, dedup,
// classification, identity resolution, and merge-or-create. pre carries
// batch-resolved categories keyed by pairKey and may be nil.
func (s *Service) mergePart(ctx context.Context, obs Observation, pre map[string]Category) (MergeOutcome, error) {
	if isNoiseTitle(obs.Title) {
		observability.RecordMergeOutcome(string(MergeStatusIgnored))
		return MergeOutcome{Status: MergeStatusIgnored}, nil
	}

	if obs.Source == SourceDesktopApp && isBrowserPackage(obs.Context.Package) {
		since := s.now().Add(-s.dedupWindow)
		recent, err := s.repo.LatestBySource(ctx, obs.OwnerID, SourceBrowserExtension, since)
		if err != nil {
			return MergeOutcome{}, fmt.Errorf("%w: dedup lookup: %v", ErrStorage, err)
		}
		if recent != nil {
			observability.RecordMergeOutcome(string(MergeStatusDeduplicated))
			return MergeOutcome{Status: MergeStatusDeduplicated}, nil
		}
	}

	title := sanitizeTitle(obs)

	end := obs.EndTime
	if end.IsZero() {
		end = s.now()
	}
	duration := obs.DurationMinutes
	if duration == 0 {
		duration = ceilMinutes(end.Sub(obs.StartTime))
	}

	category := obs.Category
	if category == "" {
		category = CategoryAppUsage
	}
	if needsClassification(obs) {
		hint := classificationHint(obs.Context)
		resolved, ok := pre[pairKey(title, hint)]
		if !ok {
			cat, err := s.classifier.Classify(ctx, obs.OwnerID, title, hint)
			if err == nil && cat.Valid() {
				resolved, ok = cat, true
			}
		}
		if ok {
			category = resolved
		}
	}

	dayStart, dayEnd := dayWindow(obs.StartTime)
	query := MergeQuery{
		OwnerID:  obs.OwnerID,
		Category: category,
		DayStart: dayStart,
		DayEnd:   dayEnd,
	}
	switch {
	case obs.Context.Domain != "":
		query.Field, query.Value = DiscriminatorDomain, obs.Context.Domain
	case obs.Context.Package != "":
		query.Field, query.Value = DiscriminatorPackage, obs.Context.Package
	default:
		query.Field, query.Value = DiscriminatorTitle, title
	}

	existing, err := s.repo.FindMergeCandidate(ctx, query)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("%w: candidate lookup: %v", ErrStorage, err)
	}

	if existing != nil {
		existing.DurationMinutes += duration
		existing.Title = title
		if !obs.Context.IsZero() {
			existing.Context = obs.Context
		}
		if end.After(existing.EndTime) {
			existing.EndTime = end
		}
		if obs.StartTime.Before(existing.StartTime) {
			existing.StartTime = obs.StartTime
		}
		appendHistory(existing, title, obs.Context.URL, obs.StartTime, duration)
		existing.UpdatedAt = s.now()

		if err := s.repo.Update(ctx, *existing, duration); err != nil {
			return MergeOutcome{}, fmt.Errorf("%w: update: %v", ErrStorage, err)
		}
		observability.RecordMergeOutcome(string(MergeStatusMerged))
		observability.RecordActivityMerged(existing.UpdatedAt)
		s.notify(obs.OwnerID, existing, MergeStatusMerged)
		return MergeOutcome{Status: MergeStatusMerged, Record: existing}, nil
	}

	now := s.now()
	rec := Record{
		ID:              uuid.NewString(),
		OwnerID:         obs.OwnerID,
		Category:        category,
		Title:           title,
		Source:          obs.Source,
		Context:         obs.Context,
		StartTime:       obs.StartTime,
		EndTime:         end,
		DurationMinutes: duration,
		History: []HistoryEntry{{
			Title:           title,
			URL:             obs.Context.URL,
			Timestamp:       obs.StartTime,
			DurationMinutes: duration,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return MergeOutcome{}, fmt.Errorf("%w: create: %v", ErrStorage, err)
	}
	observability.RecordMergeOutcome(string(MergeStatusCreated))
	observability.RecordActivityMerged(now)
	s.notify(obs.OwnerID, &rec, MergeStatusCreated)
	return MergeOutcome{Status: MergeStatusCreated, Record: &rec}, nil
}

// splitAtMidnight peels off one calendar day per iteration so no part spans
// local midnight. The loop is capped; a span longer than the cap keeps its
// remainder in the final part.
func (s *Service) splitAtMidnight(obs Observation) []Observation {
	parts := make([]Observation, 0, 2)
	cur := obs
	for i := 0; i < maxMidnightSplits; i++ {
		if cur.EndTime.IsZero() || sameDay(cur.StartTime, cur.EndTime) {
			break
		}
		eod := endOfDay(cur.StartTime)
		head := cur
		head.EndTime = eod
		head.DurationMinutes = ceilMinutes(eod.Sub(head.StartTime))
		parts = append(parts, head)

		cur.StartTime = startOfNextDay(cur.StartTime)
		cur.DurationMinutes = 0
	}
	return append(parts, cur)
}

// appendHistory grows the record's ledger. A continuation of the entry
// already at the tail accumulates in place; a new title appends.
func appendHistory(rec *Record, title, url string, startTime time.Time, minutes int) {
	if n := len(rec.History); n > 0 && rec.History[n-1].Title == title {
		rec.History[n-1].DurationMinutes += minutes
		return
	}
	rec.History = append(rec.History, HistoryEntry{
		Title:           title,
		URL:             url,
		Timestamp:       startTime,
		DurationMinutes: minutes,
	})
}

func (s *Service) notify(ownerID string, rec *Record, status MergeStatus) {
	if s.notifier != nil {
		s.notifier.ActivityUpserted(ownerID, rec, status)
	}
}

// GetRecord fetches an owner's record by ID.
func (s *Service) GetRecord(ctx context.Context, ownerID, recordID string) (*Record, error) {
	rec, err := s.repo.Get(ctx, ownerID, recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrStorage, err)
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// RecordUpdate carries the manually editable fields of a record.
type RecordUpdate struct {
	Category  Category
	Title     string
	StartTime time.Time
	EndTime   time.Time
	Context   *Context
}

// UpdateRecord applies a manual edit. The duration is recomputed from the
// window when both bounds are set afterwards.
func (s *Service) UpdateRecord(ctx context.Context, ownerID, recordID string, upd RecordUpdate) (*Record, error) {
	rec, err := s.GetRecord(ctx, ownerID, recordID)
	if err != nil {
		return nil, err
	}
	if upd.Category != "" {
		if !upd.Category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, upd.Category)
		}
		rec.Category = upd.Category
	}
	if upd.Title != "" {
		rec.Title = upd.Title
	}
	if !upd.StartTime.IsZero() {
		rec.StartTime = upd.StartTime
	}
	if !upd.EndTime.IsZero() {
		rec.EndTime = upd.EndTime
	}
	if upd.Context != nil {
		rec.Context = *upd.Context
	}
	if !rec.StartTime.IsZero() && !rec.EndTime.IsZero() {
		rec.DurationMinutes = roundMinutes(rec.EndTime.Sub(rec.StartTime))
	}
	rec.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, *rec, 0); err != nil {
		return nil, fmt.Errorf("%w: update: %v", ErrStorage, err)
	}
	s.notify(ownerID, rec, MergeStatusMerged)
	return rec, nil
}

// DeleteRecord removes an owner's record.
func (s *Service) DeleteRecord(ctx context.Context, ownerID, recordID string) error {
	if _, err := s.GetRecord(ctx, ownerID, recordID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, ownerID, recordID); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}
	return nil
}

// ListRecords returns owner-scoped records, newest first, with a cursor.
func (s *Service) ListRecords(ctx context.Context, q ListQuery, cursor *Cursor, limit int) ([]Record, *Cursor, error) {
	records, next, err := s.repo.ListByOwner(ctx, q, cursor, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	return records, next, nil
}

// Summarize aggregates the owner's records over [from, to] for reporting.
func (s *Service) Summarize(ctx context.Context, ownerID string, from, to time.Time, topLimit int) (*Summary, error) {
	if topLimit <= 0 {
		topLimit = 5
	}
	summary, err := s.repo.Summarize(ctx, ownerID, from, to, topLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize: %v", ErrStorage, err)
	}
	return summary, nil
}

func (o Observation) validate() error {
	if strings.TrimSpace(o.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if o.StartTime.IsZero() {
		return fmt.Errorf("%w: startTime is required", ErrValidation)
	}
	if !o.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrValidation, o.Source)
	}
	if o.Category != "" && !o.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, o.Category)
	}
	return nil
}

// needsClassification mirrors the pipeline condition: only generic
// observations from the two automatic collectors consult the oracle.
func needsClassification(obs Observation) bool {
	if obs.Source != SourceDesktopApp && obs.Source != SourceBrowserExtension {
		return false
	}
	if obs.Category != "" && obs.Category != CategoryAppUsage {
		return false
	}
	return strings.TrimSpace(obs.Title) != ""
}

// classificationHint picks the context string handed to the classifier:
// domain for browser pings, package for desktop ones.
func classificationHint(c Context) string {
	if c.Domain != "" {
		return c.Domain
	}
	return c.Package
}

// sanitizeTitle flattens per-tab title churn for desktop tracking of a
// browser down to the bare process name.
func sanitizeTitle(obs Observation) string {
	title := strings.TrimSpace(obs.Title)
	if obs.Source == SourceDesktopApp && isBrowserPackage(obs.Context.Package) {
		if name := bareProcessName(obs.Context.Package); name != "" {
			return name
		}
	}
	return title
}

func bareProcessName(pkg string) string {
	name := strings.ToLower(strings.TrimSpace(pkg))
	name = strings.TrimSuffix(name, ".exe")
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func isBrowserPackage(pkg string) bool {
	if pkg == "" {
		return false
	}
	lower := strings.ToLower(pkg)
	for _, browser := range browserPackages {
		if strings.Contains(lower, browser) {
			return true
		}
	}
	return false
}

func isNoiseTitle(title string) bool {
	_, ok := noiseTitles[strings.ToLower(strings.TrimSpace(title))]
	return ok
}

func pairKey(title, hint string) string {
	return strings.ToLower(title) + "|" + strings.ToLower(hint)
}

// dayWindow returns local midnight and 23:59:59.999 of the day containing t,
// in t's own location.
func dayWindow(t time.Time) (time.Time, time.Time) {
	year, month, day := t.Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, t.Location())
	end := time.Date(year, month, day, 23, 59, 59, int(999*time.Millisecond), t.Location())
	return start, end
}

func endOfDay(t time.Time) time.Time {
	_, end := dayWindow(t)
	return end
}

func startOfNextDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day+1, 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

func roundMinutes(d time.Duration) int {
	return int(d.Round(time.Minute) / time.Minute)
}
