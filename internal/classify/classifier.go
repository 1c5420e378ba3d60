// Package classify resolves activity categories for window titles and
// domains: cache first, remote oracle on miss, deterministic keyword
// fallback when the oracle is unavailable.
package classify

import (
	"context"
	"log"
	"strings"

	"github.com/iamavinashmourya/DevOrbit/internal/domain"
)

// Store is the classification cache: a shared key→category table plus
// owner-scoped override rows kept apart from the shared namespace.
type Store interface {
	Get(ctx context.Context, key string) (domain.Category, bool, error)
	// Put must treat duplicate-key insertion as a best-effort no-op; first
	// writer wins.
	Put(ctx context.Context, key string, category domain.Category) error
	GetOverride(ctx context.Context, ownerID, contextHint string) (domain.Category, bool, error)
	PutOverride(ctx context.Context, ownerID, contextHint string, category domain.Category) error
}

// Oracle is the remote text-classification service.
type Oracle interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Simple-app substrings: window titles inside these tools churn constantly
// and say nothing the app name doesn't, so the cache key collapses to the
// app itself.
var appOnlyContexts = []string{
	"code", "visual studio", "intellij", "pycharm", "webstorm", "goland",
	"android studio", "eclipse", "sublime", "notepad++",
	"winword", "excel", "powerpnt", "onenote", "libreoffice",
}

const appKeyPrefix = "app|"

// CacheKey computes the normalized cache key for a (title, context) pair.
// Editor and office contexts ignore the title entirely.
func CacheKey(title, contextHint string) string {
	hint := strings.ToLower(strings.TrimSpace(contextHint))
	for _, app := range appOnlyContexts {
		if hint != "" && strings.Contains(hint, app) {
			return appKeyPrefix + hint
		}
	}
	return strings.ToLower(strings.TrimSpace(title)) + "|" + hint
}

// Classifier is the oracle adapter. It has no effect on activity records;
// its only side effects are cache reads/writes and the outbound oracle call.
type Classifier struct {
	store  Store
	oracle Oracle // nil when no credential is configured
	logger *log.Logger
}

// Option configures optional Classifier behaviour.
type Option func(*Classifier)

// WithLogger overrides the logger used for cache write failures.
func WithLogger(logger *log.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// New constructs a Classifier. Pass a nil oracle when no credential is
// configured; misses then resolve to app_usage without caching so they can
// be retried once an oracle is available.
func New(store Store, oracle Oracle, opts ...Option) *Classifier {
	c := &Classifier{
		store:  store,
		oracle: oracle,
		logger: log.New(log.Writer(), "[classify] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify resolves a category for the pair. Oracle failures fall back to
// the keyword classifier and are never surfaced; the returned error is
// non-nil only for context cancellation.
func (c *Classifier) Classify(ctx context.Context, ownerID, title, contextHint string) (domain.Category, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if ownerID != "" && contextHint != "" {
		if cat, ok, err := c.store.GetOverride(ctx, ownerID, contextHint); err == nil && ok {
			recordCacheHit("override")
			return cat, nil
		}
	}

	key := CacheKey(title, contextHint)
	if cat, ok, err := c.store.Get(ctx, key); err == nil && ok {
		recordCacheHit("shared")
		return cat, nil
	}

	if c.oracle == nil {
		// Not cached: a later call can retry once a credential shows up.
		recordOracleCall("unconfigured")
		return domain.CategoryAppUsage, nil
	}

	reply, err := c.oracle.Generate(ctx, buildPrompt(title, contextHint))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		recordOracleCall("fallback")
		return KeywordCategory(title, contextHint), nil
	}
	recordOracleCall("ok")

	category := parseReply(reply)
	if err := c.store.Put(ctx, key, category); err != nil {
		c.logger.Printf("cache write failed (key=%q): %v", key, err)
	}
	return category, nil
}

// Train records an owner-scoped override for a context (domain or package),
// isolated from the shared cache.
func (c *Classifier) Train(ctx context.Context, ownerID, contextHint string, category domain.Category) error {
	return c.store.PutOverride(ctx, ownerID, strings.ToLower(strings.TrimSpace(contextHint)), category)
}

// Categories the oracle may answer with. Deliberately narrower than the full
// record enum: the oracle only sees automatic collector traffic.
var oracleCategories = map[string]domain.Category{
	"learn":      domain.CategoryLearn,
	"project":    domain.CategoryProject,
	"dsa":        domain.CategoryDSA,
	"assignment": domain.CategoryAssignment,
	"timepass":   domain.CategoryTimepass,
	"social":     domain.CategorySocial,
	"app_usage":  domain.CategoryAppUsage,
}

func parseReply(reply string) domain.Category {
	token := strings.ToLower(strings.TrimSpace(reply))
	token = strings.Trim(token, `'"`+".`")
	if cat, ok := oracleCategories[token]; ok {
		return cat
	}
	return domain.CategoryAppUsage
}

func buildPrompt(title, contextHint string) string {
	var b strings.Builder
	b.WriteString("You are a productivity assistant. Classify the activity below into exactly one of these categories:\n")
	b.WriteString("- 'learn' (educational content, tutorials, documentation, courses, research)\n")
	b.WriteString("- 'project' (development tools, IDEs, GitHub, localhost, cloud consoles, design tools)\n")
	b.WriteString("- 'dsa' (LeetCode, HackerRank, algorithm practice)\n")
	b.WriteString("- 'assignment' (office suites, document editing, reports, slides)\n")
	b.WriteString("- 'timepass' (entertainment, streaming, funny videos, games, movies, music)\n")
	b.WriteString("- 'social' (LinkedIn, Twitter/X, messaging apps, professional networking)\n")
	b.WriteString("- 'app_usage' (general tools, email, calendar, banking, misc)\n\n")
	b.WriteString("Input:\n")
	b.WriteString("Context: " + contextHint + "\n")
	b.WriteString("Title: " + title + "\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- An IDE or editor is 'project'.\n")
	b.WriteString("- An office suite document is 'assignment'.\n")
	b.WriteString("- A streaming or video site is 'timepass'.\n")
	b.WriteString("- A messaging app is 'social'.\n")
	b.WriteString("- A coding tutorial or documentation page is 'learn'.\n")
	b.WriteString("- Return ONLY the category code (e.g. 'learn'). No explanation.\n")
	return b.String()
}
