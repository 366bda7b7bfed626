package classifier

import (
	"strings"

	"github.com/modelrouter/core/types"
)

// patternScores implements §4.3 layer 1: for each pattern,
// score = Σkeyword hits + 2×Σphrase hits − Σnegative hits, normalized by
// |keywords|+2|phrases|, multiplied by the pattern's base confidence, and
// floored at 0.1 to emit a candidate at all.
func (c *Classifier) patternScores(text string) map[types.TaskType]float64 {
	lower := strings.ToLower(text)
	out := make(map[types.TaskType]float64, len(taskPatterns))
	for _, p := range taskPatterns {
		var hits float64
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		for _, ph := range p.phrases {
			if strings.Contains(lower, ph) {
				hits += 2
			}
		}
		for _, neg := range p.negatives {
			if strings.Contains(lower, neg) {
				hits--
			}
		}
		denom := float64(len(p.keywords) + 2*len(p.phrases))
		if denom == 0 {
			continue
		}
		score := (hits / denom) * p.baseConfidence
		if score < patternFloor {
			score = 0
		}
		out[p.taskType] = score
	}
	return out
}

// contextScores implements §4.3 layer 2: boosts from previousTasks,
// userProfile flags, currentPage substrings, and business-hours wall clock.
func (c *Classifier) contextScores(input Input) map[types.TaskType]float64 {
	out := make(map[types.TaskType]float64)

	for _, t := range input.PreviousTasks {
		out[t] += 0.15
	}

	c.mu.RLock()
	pageBoosts := c.pageBoosts
	profileBoost := c.profileBoost
	c.mu.RUnlock()

	page := strings.ToLower(input.CurrentPage)
	for substr, t := range pageBoosts {
		if page != "" && strings.Contains(page, substr) {
			out[t] += 0.4
		}
	}

	if input.UserProfile["job_seeker"] {
		out[types.TaskJobSearch] += profileBoost
	}
	if input.UserProfile["recruiter"] {
		out[types.TaskContactScraping] += profileBoost
		out[types.TaskCompanyResearch] += profileBoost
	}

	hour := input.Now.Hour()
	if hour >= 9 && hour < 18 {
		for _, t := range []types.TaskType{types.TaskCompanyResearch, types.TaskCustomWorkflow, types.TaskSummary} {
			out[t] += 0.1
		}
	}

	for t, v := range out {
		if v > 1.0 {
			out[t] = 1.0
		}
	}
	return out
}

// featureFlag is one boolean text feature the heuristic layer tests for.
type featureFlag struct {
	name   string
	test   func(lower string) bool
	scores map[types.TaskType]float64
}

var featureFlags = []featureFlag{
	{
		name: "hasJobKeywords",
		test: func(s string) bool { return strings.Contains(s, "job") || strings.Contains(s, "hiring") || strings.Contains(s, "position") },
		scores: map[types.TaskType]float64{
			types.TaskJobSearch: 0.8,
		},
	},
	{
		name: "hasAutomationKeywords",
		test: func(s string) bool { return strings.Contains(s, "automate") || strings.Contains(s, "workflow") || strings.Contains(s, "script") },
		scores: map[types.TaskType]float64{
			types.TaskCustomWorkflow: 0.8,
		},
	},
	{
		name: "hasUrgencyWords",
		test: func(s string) bool { return strings.Contains(s, "urgent") || strings.Contains(s, "asap") || strings.Contains(s, "immediately") },
		scores: map[types.TaskType]float64{
			types.TaskFormFilling: 0.3,
		},
	},
	{
		name: "hasContactKeywords",
		test: func(s string) bool { return strings.Contains(s, "email") || strings.Contains(s, "contact") || strings.Contains(s, "phone") },
		scores: map[types.TaskType]float64{
			types.TaskContactScraping: 0.85,
		},
	},
	{
		name: "hasSummaryKeywords",
		test: func(s string) bool { return strings.Contains(s, "summar") || strings.Contains(s, "report") || strings.Contains(s, "overview") },
		scores: map[types.TaskType]float64{
			types.TaskSummary: 0.85,
		},
	},
	{
		name: "hasResearchKeywords",
		test: func(s string) bool { return strings.Contains(s, "research") || strings.Contains(s, "company") || strings.Contains(s, "competitor") },
		scores: map[types.TaskType]float64{
			types.TaskCompanyResearch: 0.8,
		},
	},
	{
		name: "hasExtractionKeywords",
		test: func(s string) bool { return strings.Contains(s, "extract") || strings.Contains(s, "parse") || strings.Contains(s, "scrape") },
		scores: map[types.TaskType]float64{
			types.TaskDataExtraction: 0.75,
		},
	},
	{
		name: "hasFormKeywords",
		test: func(s string) bool { return strings.Contains(s, "form") || strings.Contains(s, "apply") || strings.Contains(s, "submit") },
		scores: map[types.TaskType]float64{
			types.TaskFormFilling: 0.8,
		},
	},
}

// featureScores implements §4.3 layer 3: a hand-tuned weight table over
// boolean text features, max-normalized per task type.
func featureScores(text string) map[types.TaskType]float64 {
	lower := strings.ToLower(text)
	out := make(map[types.TaskType]float64)
	for _, f := range featureFlags {
		if !f.test(lower) {
			continue
		}
		for t, v := range f.scores {
			if v > out[t] {
				out[t] = v
			}
		}
	}
	return out
}

// inferComplexityPriority derives a best-effort Complexity/Priority from
// text features: message length as a proxy for complexity, urgency words
// for priority.
func inferComplexityPriority(text string) (types.Complexity, types.Priority) {
	lower := strings.ToLower(text)

	complexity := types.ComplexityMedium
	words := len(strings.Fields(text))
	switch {
	case words <= 8:
		complexity = types.ComplexityLow
	case words >= 30:
		complexity = types.ComplexityHigh
	}
	if strings.Contains(lower, "complex") || strings.Contains(lower, "multi-step") || strings.Contains(lower, "multi step") {
		complexity = types.ComplexityHigh
	}

	priority := types.PriorityMedium
	switch {
	case strings.Contains(lower, "urgent") || strings.Contains(lower, "asap"):
		priority = types.PriorityUrgent
	case strings.Contains(lower, "immediately") || strings.Contains(lower, "right away"):
		priority = types.PriorityHigh
	case strings.Contains(lower, "whenever") || strings.Contains(lower, "no rush"):
		priority = types.PriorityLow
	}
	return complexity, priority
}
