package classify

import (
	"strings"

	"github.com/iamavinashmourya/DevOrbit/internal/domain"
)

// Local keyword classifier used when the oracle is unreachable. Substring
// match over the combined lowercased title and context, in a fixed
// precedence order so results are deterministic.

var projectKeywords = []string{
	"code", "studio", "intellij", "pycharm", "webstorm", "goland", "vim",
	"terminal", "iterm", "github", "gitlab", "localhost", "docker",
	"kubernetes", "postman", "figma", "vercel", "netlify",
}

var assignmentKeywords = []string{
	"word", "excel", "powerpoint", "slides", "sheet", "onenote", "libreoffice",
	"essay", "assignment", "report", "thesis", "submission",
}

var dsaKeywords = []string{
	"leetcode", "hackerrank", "codeforces", "codechef", "geeksforgeeks",
	"algorithm", "data structure", "competitive programming",
}

var timepassKeywords = []string{
	"funny", "prank", "vlog", "gaming", "gameplay", "trailer", "movie",
	"song", "music", "dance", "comedy", "show", "episode", "highlight",
	"meme", "challenge", "reaction", "unboxing", "entertainment",
	"gossip", "celebrity", "viral", "trending", "netflix", "instagram",
	"reddit", "twitch",
}

var socialKeywords = []string{
	"linkedin", "twitter", "discord", "slack", "whatsapp", "telegram",
	"messenger", "networking",
}

var learnKeywords = []string{
	"tutorial", "course", "learn", "study", "lecture", "lesson", "bootcamp",
	"python", "javascript", "java", "react", "node", "css", "html", "sql",
	"system design", "math", "physics", "chemistry", "history",
	"documentary", "how to", "guide", "explanation", "documentation",
	"docs", "manual", "reference", "api",
}

// KeywordCategory deterministically classifies the pair without the oracle.
// Precedence: project, assignment, dsa, timepass, social, learn, app_usage.
func KeywordCategory(title, contextHint string) domain.Category {
	text := strings.ToLower(title + " " + contextHint)
	switch {
	case containsAny(text, projectKeywords):
		return domain.CategoryProject
	case containsAny(text, assignmentKeywords):
		return domain.CategoryAssignment
	case containsAny(text, dsaKeywords):
		return domain.CategoryDSA
	case containsAny(text, timepassKeywords):
		return domain.CategoryTimepass
	case containsAny(text, socialKeywords):
		return domain.CategorySocial
	case containsAny(text, learnKeywords):
		return domain.CategoryLearn
	default:
		return domain.CategoryAppUsage
	}
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
