// Package classifier maps a user utterance plus surrounding context into a
// typed ClassificationResult: task type, agent type, complexity, priority,
// confidence and a clarification flag.
//
// Grounded structurally on the corpus's SemanticRouter (Config struct, zap
// logger field, RWMutex-guarded mutable route table) but the three-layer
// scoring itself is original to this package: the corpus's router defers
// classification to an LLM call, while this classifier must be a pure,
// deterministic, synchronous function of its input.
package classifier

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

// Input is everything the classifier reasons about for one utterance.
type Input struct {
	Text          string
	PreviousTasks []types.TaskType
	UserProfile   map[string]bool
	CurrentPage   string
	Now           time.Time
}

const (
	patternWeight = 0.5
	contextWeight = 0.3
	featureWeight = 0.2
	patternFloor  = 0.1
)

// taskPattern is one of the 7 fixed task-type patterns the pattern matcher
// scores against.
type taskPattern struct {
	taskType   types.TaskType
	keywords   []string
	phrases    []string
	negatives  []string
	baseConfidence float64
}

var taskPatterns = []taskPattern{
	{
		taskType: types.TaskFormFilling,
		keywords: []string{"form", "fill", "apply", "submit", "field", "checkbox"},
		phrases:  []string{"fill out", "fill in", "submit application"},
		negatives: []string{"summarize", "research"},
		baseConfidence: 0.8,
	},
	{
		taskType: types.TaskCustomWorkflow,
		keywords: []string{"workflow", "automate", "script", "pipeline", "sequence", "steps"},
		phrases:  []string{"custom workflow", "multi step", "multi-step"},
		negatives: []string{"single", "simple"},
		baseConfidence: 0.75,
	},
	{
		taskType: types.TaskCompanyResearch,
		keywords: []string{"company", "research", "background", "industry", "competitor", "funding"},
		phrases:  []string{"company research", "tell me about the company"},
		negatives: []string{"contact", "email"},
		baseConfidence: 0.8,
	},
	{
		taskType: types.TaskDataExtraction,
		keywords: []string{"extract", "parse", "scrape", "pull", "data", "fields"},
		phrases:  []string{"extract data", "pull out"},
		negatives: []string{"contact", "person"},
		baseConfidence: 0.75,
	},
	{
		taskType: types.TaskContactScraping,
		keywords: []string{"contact", "email", "phone", "recruiter", "hiring manager"},
		phrases:  []string{"contact information", "find the recruiter"},
		negatives: []string{"summarize"},
		baseConfidence: 0.8,
	},
	{
		taskType: types.TaskJobSearch,
		keywords: []string{"job", "role", "position", "hiring", "apply", "opening", "linkedin"},
		phrases:  []string{"job search", "job posting", "open position"},
		negatives: []string{"summarize", "report"},
		baseConfidence: 0.8,
	},
	{
		taskType: types.TaskSummary,
		keywords: []string{"summarize", "summary", "report", "overview", "recap", "digest"},
		phrases:  []string{"write a summary", "give me a report"},
		negatives: []string{"extract", "scrape"},
		baseConfidence: 0.8,
	},
}

// baseDurations backs the estimatedDuration heuristic (§4.3).
var baseDurations = map[types.TaskType]time.Duration{
	types.TaskFormFilling:     20 * time.Second,
	types.TaskCustomWorkflow:  90 * time.Second,
	types.TaskCompanyResearch: 45 * time.Second,
	types.TaskDataExtraction:  15 * time.Second,
	types.TaskContactScraping: 25 * time.Second,
	types.TaskJobSearch:       30 * time.Second,
	types.TaskSummary:         20 * time.Second,
}

// agentForTask is the classifier's best-guess agentType per task, used when
// the caller doesn't otherwise constrain it.
var agentForTask = map[types.TaskType]types.AgentType{
	types.TaskFormFilling:     types.AgentNavigator,
	types.TaskCustomWorkflow:  types.AgentPlanner,
	types.TaskCompanyResearch: types.AgentPlanner,
	types.TaskDataExtraction:  types.AgentExtractor,
	types.TaskContactScraping: types.AgentExtractor,
	types.TaskJobSearch:       types.AgentNavigator,
	types.TaskSummary:         types.AgentVerifier,
}

// clarificationTable holds fixed follow-up questions keyed by
// (primaryType, alternativeType) pairs; genericQuestion is the fallback
// when no specific pair is registered.
var clarificationTable = map[[2]types.TaskType]string{
	{types.TaskCompanyResearch, types.TaskJobSearch}:      "Are you looking for company background, or open roles at that company?",
	{types.TaskDataExtraction, types.TaskContactScraping}: "Do you want general page data, or specifically contact details?",
	{types.TaskSummary, types.TaskCompanyResearch}:        "Do you want a summary of what we already found, or new research?",
	{types.TaskFormFilling, types.TaskCustomWorkflow}:     "Is this a single form, or part of a larger multi-step workflow?",
}

const genericClarification = "Could you clarify what you'd like me to do?"

// Classifier implements §4.3. It holds no per-request state; the mutex
// guards only the rarely-mutated context-boost table.
type Classifier struct {
	mu           sync.RWMutex
	pageBoosts   map[string]types.TaskType
	profileBoost float64
	logger       *zap.Logger
}

// New builds a Classifier with the default currentPage→TaskType boost table
// (e.g. "linkedin" → JOB_SEARCH).
func New(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		pageBoosts: map[string]types.TaskType{
			"linkedin":  types.TaskJobSearch,
			"indeed":    types.TaskJobSearch,
			"glassdoor": types.TaskCompanyResearch,
			"crunchbase": types.TaskCompanyResearch,
		},
		profileBoost: 0.2,
		logger:       logger,
	}
}

// Classify runs the three-layer scoring and returns a ClassificationResult.
// It never panics across its API: any internal inconsistency is recovered
// into the fallback Intent, since classifier failure must not break a chat
// turn.
func (c *Classifier) Classify(input Input) (result types.ClassificationResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("classifier panic recovered, returning fallback intent")
			result = fallbackResult()
		}
	}()

	if strings.TrimSpace(input.Text) == "" {
		return fallbackResult()
	}
	if input.Now.IsZero() {
		input.Now = time.Now()
	}

	pattern := c.patternScores(input.Text)
	context := c.contextScores(input)
	feature := featureScores(input.Text)

	combined := make(map[types.TaskType]float64, len(taskPatterns))
	for _, p := range taskPatterns {
		t := p.taskType
		score := patternWeight*pattern[t] + contextWeight*context[t] + featureWeight*feature[t]
		if score > 1.0 {
			score = 1.0
		}
		combined[t] = score
	}

	ranked := rankTasks(combined)
	if len(ranked) == 0 {
		return fallbackResult()
	}

	primaryType := ranked[0].taskType
	primaryConf := ranked[0].score
	complexity, priority := inferComplexityPriority(input.Text)

	primary := types.Intent{
		Type:                 primaryType,
		AgentType:            agentForTask[primaryType],
		Complexity:           complexity,
		Priority:             priority,
		Confidence:           primaryConf,
		Parameters:           map[string]any{},
		EstimatedDuration:    estimateDuration(primaryType, complexity),
		RequiredCapabilities: requiredCapabilities(primaryType),
	}

	alternatives := make([]types.Intent, 0, 3)
	for _, r := range ranked[1:] {
		if len(alternatives) >= 3 {
			break
		}
		alternatives = append(alternatives, types.Intent{
			Type:              r.taskType,
			AgentType:         agentForTask[r.taskType],
			Complexity:        complexity,
			Priority:          priority,
			Confidence:        r.score,
			EstimatedDuration: estimateDuration(r.taskType, complexity),
		})
	}

	needsClarification := primaryConf < 0.7
	var topAltType types.TaskType
	if len(alternatives) > 0 {
		topAltType = alternatives[0].Type
		if primaryConf-alternatives[0].Confidence < 0.2 {
			needsClarification = true
		}
	}

	var questions []string
	if needsClarification {
		questions = []string{c.clarificationQuestion(primaryType, topAltType)}
	}

	return types.ClassificationResult{
		Primary:                primary,
		Alternatives:           alternatives,
		Reasoning:              reasoningFor(primaryType, primaryConf),
		Confidence:             primaryConf,
		NeedsClarification:     needsClarification,
		ClarificationQuestions: questions,
	}
}

func fallbackResult() types.ClassificationResult {
	intent := types.Intent{
		Type:       types.TaskDataExtraction,
		Confidence: 0.5,
	}
	return types.ClassificationResult{
		Primary:                intent,
		Confidence:             0.5,
		NeedsClarification:     true,
		ClarificationQuestions: []string{genericClarification},
		Reasoning:              "classifier fallback: internal failure or empty input",
	}
}

type rankedTask struct {
	taskType types.TaskType
	score    float64
}

func rankTasks(scores map[types.TaskType]float64) []rankedTask {
	out := make([]rankedTask, 0, len(scores))
	for t, s := range scores {
		if s <= 0 {
			continue
		}
		out = append(out, rankedTask{t, s})
	}
	// insertion sort: the candidate set is always 7 or fewer entries.
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].score < out[j].score {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

func (c *Classifier) clarificationQuestion(primary, alt types.TaskType) string {
	if alt == "" {
		return genericClarification
	}
	if q, ok := clarificationTable[[2]types.TaskType{primary, alt}]; ok {
		return q
	}
	if q, ok := clarificationTable[[2]types.TaskType{alt, primary}]; ok {
		return q
	}
	return genericClarification
}

func estimateDuration(t types.TaskType, complexity types.Complexity) time.Duration {
	base := baseDurations[t]
	mult := 1.0
	switch complexity {
	case types.ComplexityLow:
		mult = 0.7
	case types.ComplexityHigh:
		mult = 1.5
	}
	return time.Duration(float64(base) * mult)
}

func requiredCapabilities(t types.TaskType) []string {
	switch t {
	case types.TaskFormFilling, types.TaskJobSearch:
		return []string{"navigation"}
	case types.TaskCustomWorkflow:
		return []string{"planning", "coding"}
	case types.TaskCompanyResearch:
		return []string{"planning", "reasoning"}
	case types.TaskDataExtraction, types.TaskContactScraping:
		return []string{"extraction"}
	case types.TaskSummary:
		return []string{"summarization"}
	default:
		return nil
	}
}

func reasoningFor(t types.TaskType, confidence float64) string {
	return "pattern+context+feature scoring favored " + string(t)
}
