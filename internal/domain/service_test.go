package domain

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var frozenNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestService(repo *fakeRepo, classifier Classifier, opts ...Option) *Service {
	base := []Option{WithClock(func() time.Time { return frozenNow })}
	return NewService(repo, classifier, append(base, opts...)...)
}

func TestMergeOneCreatesRecord(t *testing.T) {
	repo := newFakeRepo()
	classifier := &stubClassifier{category: CategoryProject}
	svc := newTestService(repo, classifier)

	outcome, err := svc.MergeOne(context.Background(), Observation{
		OwnerID:   "owner-1",
		Title:     "myrepo - GitHub",
		Source:    SourceBrowserExtension,
		StartTime: frozenNow.Add(-5 * time.Minute),
		EndTime:   frozenNow,
		Context:   Context{Domain: "github.com", URL: "https://github.com/me/myrepo"},
	})
	require.NoError(t, err)
	require.Equal(t, MergeStatusCreated, outcome.Status)
	require.False(t, outcome.Split)

	rec := outcome.Record
	require.NotNil(t, rec)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, CategoryProject, rec.Category)
	require.Equal(t, 5, rec.DurationMinutes)
	require.Len(t, rec.History, 1)
	require.Equal(t, "myrepo - GitHub", rec.History[0].Title)
	require.Equal(t, 5, rec.History[0].DurationMinutes)
}

func TestMergeOneAccumulatesIntoSameDayRecord(t *testing.T) {
	repo := newFakeRepo()
	classifier := &stubClassifier{category: CategoryProject}
	svc := newTestService(repo, classifier)

	first := Observation{
		OwnerID:         "owner-1",
		Title:           "myrepo - GitHub",
		Source:          SourceBrowserExtension,
		StartTime:       frozenNow.Add(-30 * time.Minute),
		DurationMinutes: 5,
		Context:         Context{Domain: "github.com"},
	}
	second := first
	second.StartTime = frozenNow.Add(-10 * time.Minute)
	second.DurationMinutes = 3
	second.Title = "issues - GitHub"

	out1, err := svc.MergeOne(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, MergeStatusCreated, out1.Status)

	out2, err := svc.MergeOne(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, MergeStatusMerged, out2.Status)

	require.Len(t, repo.records, 1)
	rec := out2.Record
	require.Equal(t, 8, rec.DurationMinutes, "durations accumulate across merges")
	require.Equal(t, "issues - GitHub", rec.Title, "title follows the newest observation")
	require.Len(t, rec.History, 2)
	require.Equal(t, 5, rec.History[0].DurationMinutes)
	require.Equal(t, 3, rec.History[1].DurationMinutes)
}

func TestMergeOneGrowsLastHistoryEntryForSameTitle(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	obs := Observation{
		OwnerID:         "owner-1",
		Title:           "myrepo - GitHub",
		Source:          SourceBrowserExtension,
		StartTime:       frozenNow.Add(-30 * time.Minute),
		DurationMinutes: 5,
		Context:         Context{Domain: "github.com"},
	}
	_, err := svc.MergeOne(context.Background(), obs)
	require.NoError(t, err)

	obs.StartTime = frozenNow.Add(-20 * time.Minute)
	obs.DurationMinutes = 4
	out, err := svc.MergeOne(context.Background(), obs)
	require.NoError(t, err)

	rec := out.Record
	require.Len(t, rec.History, 1, "same title keeps a single ledger entry")
	require.Equal(t, 9, rec.History[0].DurationMinutes)
	require.Equal(t, 9, rec.DurationMinutes)
}

func TestMergeOneKeepsRecordsApartByCategory(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	base := Observation{
		OwnerID:         "owner-1",
		Title:           "prep notes",
		Source:          SourceManual,
		StartTime:       frozenNow.Add(-time.Hour),
		DurationMinutes: 10,
	}
	learn := base
	learn.Category = CategoryLearn
	exam := base
	exam.Category = CategoryExam

	_, err := svc.MergeOne(context.Background(), learn)
	require.NoError(t, err)
	_, err = svc.MergeOne(context.Background(), exam)
	require.NoError(t, err)

	require.Len(t, repo.records, 2, "different categories never merge")
}

func TestMergeOneReplacesContextWholesale(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	first := Observation{
		OwnerID:         "owner-1",
		Title:           "myrepo - GitHub",
		Source:          SourceBrowserExtension,
		StartTime:       frozenNow.Add(-time.Hour),
		DurationMinutes: 5,
		Context:         Context{Domain: "github.com", URL: "https://github.com/a", Device: "laptop"},
	}
	_, err := svc.MergeOne(context.Background(), first)
	require.NoError(t, err)

	second := first
	second.StartTime = frozenNow.Add(-30 * time.Minute)
	second.Context = Context{Domain: "github.com", URL: "https://github.com/b"}
	out, err := svc.MergeOne(context.Background(), second)
	require.NoError(t, err)

	require.Equal(t, "https://github.com/b", out.Record.Context.URL)
	require.Empty(t, out.Record.Context.Device, "context is replaced, not merged field by field")
}

func TestMergeOneExtendsTimeBounds(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	first := Observation{
		OwnerID:   "owner-1",
		Title:     "myrepo - GitHub",
		Source:    SourceBrowserExtension,
		StartTime: frozenNow.Add(-time.Hour),
		EndTime:   frozenNow.Add(-50 * time.Minute),
		Context:   Context{Domain: "github.com"},
	}
	_, err := svc.MergeOne(context.Background(), first)
	require.NoError(t, err)

	// An earlier and later sub-window widens the record on both ends.
	second := first
	second.StartTime = frozenNow.Add(-90 * time.Minute)
	second.EndTime = frozenNow.Add(-20 * time.Minute)
	out, err := svc.MergeOne(context.Background(), second)
	require.NoError(t, err)

	require.Equal(t, frozenNow.Add(-90*time.Minute), out.Record.StartTime)
	require.Equal(t, frozenNow.Add(-20*time.Minute), out.Record.EndTime)
}

func TestMergeOneIgnoresNoiseTitles(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	for _, title := range []string{"New Tab", "  task manager ", "Program Manager", ""} {
		outcome, err := svc.MergeOne(context.Background(), Observation{
			OwnerID:   "owner-1",
			Title:     title,
			Source:    SourceDesktopApp,
			StartTime: frozenNow.Add(-time.Minute),
		})
		require.NoError(t, err)
		require.Equal(t, MergeStatusIgnored, outcome.Status)
		require.Nil(t, outcome.Record)
	}
	require.Empty(t, repo.records, "ignored observations never write")
}

func TestMergeOneDeduplicatesDesktopBrowserPing(t *testing.T) {
	repo := newFakeRepo()
	repo.records["existing"] = &Record{
		ID:        "existing",
		OwnerID:   "owner-1",
		Category:  CategoryLearn,
		Title:     "docs",
		Source:    SourceBrowserExtension,
		StartTime: frozenNow.Add(-10 * time.Minute),
		UpdatedAt: frozenNow.Add(-30 * time.Second),
	}
	svc := newTestService(repo, &stubClassifier{category: CategoryAppUsage})

	outcome, err := svc.MergeOne(context.Background(), Observation{
		OwnerID:   "owner-1",
		Title:     "Google Chrome",
		Source:    SourceDesktopApp,
		StartTime: frozenNow.Add(-time.Minute),
		Context:   Context{Package: "chrome.exe"},
	})
	require.NoError(t, err)
	require.Equal(t, MergeStatusDeduplicated, outcome.Status)
	require.Len(t, repo.records, 1, "the extension's record stays authoritative")
}

func TestMergeOneDesktopBrowserWithoutRecentExtensionRecord(t *testing.T) {
	repo := newFakeRepo()
	// Extension last wrote well outside the suppression window.
	repo.records["stale"] = &Record{
		ID:        "stale",
		OwnerID:   "owner-1",
		Category:  CategoryLearn,
		Title:     "docs",
		Source:    SourceBrowserExtension,
		StartTime: frozenNow.Add(-3 * time.Hour),
		UpdatedAt: frozenNow.Add(-3 * time.Hour),
	}
	svc := newTestService(repo, &stubClassifier{category: CategoryAppUsage})

	outcome, err := svc.MergeOne(context.Background(), Observation{
		OwnerID:   "owner-1",
		Title:     "Some Page - Google Chrome",
		Source:    SourceDesktopApp,
		StartTime: frozenNow.Add(-time.Minute),
		Context:   Context{Package: `C:\Program Files\chrome.exe`},
	})
	require.NoError(t, err)
	require.Equal(t, MergeStatusCreated, outcome.Status)
	require.Equal(t, "chrome", outcome.Record.Title, "per-tab title churn collapses to the process name")
}

func TestMergeOneSplitsAtMidnight(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryTimepass})

	start := time.Date(2025, 3, 9, 22, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 1, 30, 0, 0, time.UTC)

	outcome, err := svc.MergeOne(context.Background(), Observation{
		OwnerID:   "owner-1",
		Title:     "movie night",
		Source:    SourceBrowserExtension,
		StartTime: start,
		EndTime:   end,
		Context:   Context{Domain: "netflix.com"},
	})
	require.NoError(t, err)
	require.True(t, outcome.Split)
	require.Len(t, repo.records, 2, "one record per calendar day")

	var days []time.Time
	var total int
	for _, rec := range repo.records {
		days = append(days, rec.StartTime)
		total += rec.DurationMinutes
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	require.Equal(t, 9, days[0].Day())
	require.Equal(t, 10, days[1].Day())
	require.Equal(t, 210, total, "no minutes lost across the boundary")
	// The reported outcome describes the final part.
	require.Equal(t, 10, outcome.Record.StartTime.Day())
}

func TestMergeOneCapsMidnightSplits(t *testing.T) {
	svc := newTestService(newFakeRepo(), &stubClassifier{category: CategoryTimepass})

	obs := Observation{
		OwnerID:   "owner-1",
		Title:     "marathon",
		Source:    SourceManual,
		Category:  CategoryTimepass,
		StartTime: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC),
	}
	parts := svc.splitAtMidnight(obs)
	require.Len(t, parts, maxMidnightSplits+1)
	last := parts[len(parts)-1]
	require.Equal(t, obs.EndTime, last.EndTime, "remainder stays in the final part")
}

func TestMergeOneValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &stubClassifier{category: CategoryProject})

	cases := []Observation{
		{Title: "x", Source: SourceManual, StartTime: frozenNow},                           // no owner
		{OwnerID: "o", Title: "x", Source: SourceManual},                                   // no start
		{OwnerID: "o", Title: "x", Source: "carrier_pigeon", StartTime: frozenNow},         // bad source
		{OwnerID: "o", Title: "x", Source: SourceManual, Category: "k", StartTime: frozenNow}, // bad category
	}
	for _, obs := range cases {
		_, err := svc.MergeOne(context.Background(), obs)
		require.ErrorIs(t, err, ErrValidation)
	}
}

func TestMergeOneStorageErrorsWrapped(t *testing.T) {
	repo := newFakeRepo()
	repo.failCreate = errors.New("connection refused")
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	_, err := svc.MergeOne(context.Background(), Observation{
		OwnerID:   "owner-1",
		Title:     "anything",
		Source:    SourceManual,
		Category:  CategoryLearn,
		StartTime: frozenNow.Add(-time.Minute),
	})
	require.ErrorIs(t, err, ErrStorage)
}

func TestMergeOneOracleFailureNeverSurfaces(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{err: errors.New("oracle down")})

	outcome, err := svc.MergeOne(context.Background(), Observation{
		OwnerID:   "owner-1",
		Title:     "Some Page",
		Source:    SourceBrowserExtension,
		StartTime: frozenNow.Add(-time.Minute),
		Context:   Context{Domain: "example.com"},
	})
	require.NoError(t, err)
	require.Equal(t, MergeStatusCreated, outcome.Status)
	require.Equal(t, CategoryAppUsage, outcome.Record.Category, "classification failure defaults, never fails the write")
}

func TestMergeBatchReplaysChronologically(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	// Deliberately out of order: the later observation first.
	later := Observation{
		OwnerID:         "owner-1",
		Title:           "issues - GitHub",
		Source:          SourceBrowserExtension,
		StartTime:       frozenNow.Add(-10 * time.Minute),
		DurationMinutes: 3,
		Context:         Context{Domain: "github.com"},
	}
	earlier := later
	earlier.Title = "myrepo - GitHub"
	earlier.StartTime = frozenNow.Add(-40 * time.Minute)
	earlier.DurationMinutes = 5

	processed, err := svc.MergeBatch(context.Background(), []Observation{later, earlier})
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	require.Len(t, repo.records, 1)
	for _, rec := range repo.records {
		require.Equal(t, 8, rec.DurationMinutes)
		require.Len(t, rec.History, 2)
		require.Equal(t, "myrepo - GitHub", rec.History[0].Title, "history follows start-time order, not submission order")
		require.Equal(t, "issues - GitHub", rec.History[1].Title)
	}
}

func TestMergeBatchIsBestEffort(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	valid := Observation{
		OwnerID:         "owner-1",
		Title:           "myrepo - GitHub",
		Source:          SourceBrowserExtension,
		StartTime:       frozenNow.Add(-10 * time.Minute),
		DurationMinutes: 5,
		Context:         Context{Domain: "github.com"},
	}
	invalid := valid
	invalid.Source = "smoke_signal"
	noise := valid
	noise.Title = "New Tab"
	noise.Context = Context{}

	processed, err := svc.MergeBatch(context.Background(), []Observation{invalid, valid, noise})
	require.NoError(t, err)
	require.Equal(t, 2, processed, "valid item plus the ignored no-op count, the invalid one does not")
	require.Len(t, repo.records, 1)
}

func TestMergeBatchClassifiesUniquePairsOnce(t *testing.T) {
	repo := newFakeRepo()
	classifier := &stubClassifier{category: CategoryProject}
	svc := newTestService(repo, classifier)

	obs := Observation{
		OwnerID:         "owner-1",
		Title:           "myrepo - GitHub",
		Source:          SourceBrowserExtension,
		DurationMinutes: 2,
		Context:         Context{Domain: "github.com"},
	}
	batch := make([]Observation, 0, 6)
	for i := 0; i < 6; i++ {
		o := obs
		o.StartTime = frozenNow.Add(time.Duration(-60+i*5) * time.Minute)
		batch = append(batch, o)
	}

	processed, err := svc.MergeBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 6, processed)
	require.Equal(t, 1, classifier.calls(), "identical (title, context) pairs resolve once up front")
}

func TestUpdateRecordRecomputesDuration(t *testing.T) {
	repo := newFakeRepo()
	repo.records["rec-1"] = &Record{
		ID:              "rec-1",
		OwnerID:         "owner-1",
		Category:        CategoryLearn,
		Title:           "lecture",
		Source:          SourceManual,
		StartTime:       frozenNow.Add(-2 * time.Hour),
		EndTime:         frozenNow.Add(-time.Hour),
		DurationMinutes: 60,
	}
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	newEnd := frozenNow.Add(-30 * time.Minute)
	rec, err := svc.UpdateRecord(context.Background(), "owner-1", "rec-1", RecordUpdate{EndTime: newEnd})
	require.NoError(t, err)
	require.Equal(t, 90, rec.DurationMinutes)
	require.Equal(t, 0, repo.lastAddedMinutes, "manual edits carry no merge delta")
}

func TestUpdateRecordRejectsUnknownCategory(t *testing.T) {
	repo := newFakeRepo()
	repo.records["rec-1"] = &Record{ID: "rec-1", OwnerID: "owner-1", Category: CategoryLearn}
	svc := newTestService(repo, &stubClassifier{category: CategoryProject})

	_, err := svc.UpdateRecord(context.Background(), "owner-1", "rec-1", RecordUpdate{Category: "nonsense"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestGetAndDeleteMissingRecord(t *testing.T) {
	svc := newTestService(newFakeRepo(), &stubClassifier{category: CategoryProject})

	_, err := svc.GetRecord(context.Background(), "owner-1", "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)

	err = svc.DeleteRecord(context.Background(), "owner-1", "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestNotifierReceivesUpserts(t *testing.T) {
	repo := newFakeRepo()
	notifier := &recordingNotifier{}
	svc := newTestService(repo, &stubClassifier{category: CategoryProject}, WithNotifier(notifier))

	obs := Observation{
		OwnerID:         "owner-1",
		Title:           "myrepo - GitHub",
		Source:          SourceBrowserExtension,
		StartTime:       frozenNow.Add(-10 * time.Minute),
		DurationMinutes: 5,
		Context:         Context{Domain: "github.com"},
	}
	_, err := svc.MergeOne(context.Background(), obs)
	require.NoError(t, err)
	obs.StartTime = frozenNow.Add(-5 * time.Minute)
	_, err = svc.MergeOne(context.Background(), obs)
	require.NoError(t, err)

	require.Equal(t, []MergeStatus{MergeStatusCreated, MergeStatusMerged}, notifier.statuses)
}

func TestCeilMinutes(t *testing.T) {
	require.Equal(t, 0, ceilMinutes(0))
	require.Equal(t, 0, ceilMinutes(-time.Minute))
	require.Equal(t, 1, ceilMinutes(10*time.Second))
	require.Equal(t, 1, ceilMinutes(time.Minute))
	require.Equal(t, 2, ceilMinutes(61*time.Second))
}

func TestDayWindow(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2025, 3, 10, 23, 45, 0, 0, loc)

	start, end := dayWindow(ts)
	require.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, loc), start)
	require.Equal(t, 23, end.Hour())
	require.Equal(t, 59, end.Minute())
	require.Equal(t, 59, end.Second())
	require.Equal(t, loc, end.Location())
}

// fakeRepo is an in-memory ActivityRepository for merge engine tests.
type fakeRepo struct {
	mu               sync.Mutex
	records          map[string]*Record
	failCreate       error
	lastAddedMinutes int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]*Record)}
}

func (f *fakeRepo) FindMergeCandidate(_ context.Context, q MergeQuery) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *Record
	for _, rec := range f.records {
		if rec.OwnerID != q.OwnerID || rec.Category != q.Category {
			continue
		}
		if rec.StartTime.Before(q.DayStart) || rec.StartTime.After(q.DayEnd) {
			continue
		}
		var match bool
		switch q.Field {
		case DiscriminatorDomain:
			match = rec.Context.Domain == q.Value
		case DiscriminatorPackage:
			match = rec.Context.Package == q.Value
		case DiscriminatorTitle:
			match = rec.Title == q.Value
		}
		if !match {
			continue
		}
		if best == nil || rec.StartTime.After(best.StartTime) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeRepo) Create(_ context.Context, rec Record) error {
	if f.failCreate != nil {
		return f.failCreate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := rec
	f.records[rec.ID] = &stored
	return nil
}

func (f *fakeRepo) Update(_ context.Context, rec Record, addedMinutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := rec
	f.records[rec.ID] = &stored
	f.lastAddedMinutes = addedMinutes
	return nil
}

func (f *fakeRepo) LatestBySource(_ context.Context, ownerID string, source Source, since time.Time) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *Record
	for _, rec := range f.records {
		if rec.OwnerID != ownerID || rec.Source != source || rec.UpdatedAt.Before(since) {
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

func (f *fakeRepo) Get(_ context.Context, ownerID, recordID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordID]
	if !ok || rec.OwnerID != ownerID {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeRepo) Delete(_ context.Context, ownerID, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, recordID)
	return nil
}

func (f *fakeRepo) ListByOwner(_ context.Context, q ListQuery, _ *Cursor, limit int) ([]Record, *Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0)
	for _, rec := range f.records {
		if rec.OwnerID == q.OwnerID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil, nil
}

func (f *fakeRepo) Summarize(_ context.Context, _ string, _, _ time.Time, _ int) (*Summary, error) {
	return &Summary{}, nil
}

// stubClassifier returns a fixed category and counts invocations.
type stubClassifier struct {
	mu       sync.Mutex
	category Category
	err      error
	n        int
}

func (s *stubClassifier) Classify(_ context.Context, _, _, _ string) (Category, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.category, nil
}

func (s *stubClassifier) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

type recordingNotifier struct {
	statuses []MergeStatus
}

func (r *recordingNotifier) ActivityUpserted(_ string, _ *Record, status MergeStatus) {
	r.statuses = append(r.statuses, status)
}
