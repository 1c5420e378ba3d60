// Package importer turns exported watch-history archives into observations
// the merge engine can replay.
package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/iamavinashmourya/DevOrbit/internal/domain"
)

// Watch durations are not present in the export, so they are estimated:
// shorts burn about a minute, regular videos about ten.
const (
	shortsMinutes = 1
	videoMinutes  = 10
)

// Titles matching these substrings count as learning rather than timepass.
var learnHints = []string{
	"tutorial", "course", "lecture", "learn", "explained", "guide",
	"how to", "crash course", "documentation", "interview", "dsa",
	"algorithm", "system design", "coding",
}

type takeoutEntry struct {
	Header   string    `json:"header"`
	Title    string    `json:"title"`
	TitleURL string    `json:"titleUrl"`
	Time     time.Time `json:"time"`
	Details  []struct {
		Name string `json:"name"`
	} `json:"details"`
}

// ParseWatchHistory reads a watch-history.json export and returns one
// observation per watched video, newest entries first as exported. Ads and
// entries without a timestamp are skipped.
func ParseWatchHistory(r io.Reader, ownerID string) ([]domain.Observation, error) {
	var entries []takeoutEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode watch history: %w", err)
	}

	observations := make([]domain.Observation, 0, len(entries))
	for _, entry := range entries {
		if entry.Time.IsZero() || isAd(entry) {
			continue
		}

		title := strings.TrimSpace(strings.TrimPrefix(entry.Title, "Watched "))
		if title == "" {
			continue
		}

		minutes := videoMinutes
		videoType := "long"
		if strings.Contains(entry.TitleURL, "/shorts/") {
			minutes = shortsMinutes
			videoType = "shorts"
		}

		category := domain.CategoryTimepass
		if isLearnTitle(title) {
			category = domain.CategoryLearn
		}

		observations = append(observations, domain.Observation{
			OwnerID:         ownerID,
			Category:        category,
			Title:           title,
			Source:          domain.SourceTakeout,
			StartTime:       entry.Time,
			EndTime:         entry.Time.Add(time.Duration(minutes) * time.Minute),
			DurationMinutes: minutes,
			Context: domain.Context{
				Domain:    "youtube.com",
				URL:       entry.TitleURL,
				VideoType: videoType,
			},
		})
	}
	return observations, nil
}

func isAd(entry takeoutEntry) bool {
	for _, detail := range entry.Details {
		if strings.Contains(detail.Name, "Google Ads") {
			return true
		}
	}
	return false
}

func isLearnTitle(title string) bool {
	lower := strings.ToLower(title)
	for _, hint := range learnHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
