package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrouter/core/types"
)

func TestClassify_EmptyTextReturnsFallback(t *testing.T) {
	c := New(nil)
	result := c.Classify(Input{Text: "   "})
	assert.Equal(t, types.TaskDataExtraction, result.Primary.Type)
	assert.True(t, result.NeedsClarification)
	assert.NotEmpty(t, result.ClarificationQuestions)
}

func TestClassify_RecognizesTaskPatterns(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected types.TaskType
	}{
		{"form filling", "please fill out this form and submit the application", types.TaskFormFilling},
		{"custom workflow", "automate this multi-step workflow pipeline", types.TaskCustomWorkflow},
		{"company research", "research the company background and funding history", types.TaskCompanyResearch},
		{"data extraction", "extract and parse the data fields from this page", types.TaskDataExtraction},
		{"contact scraping", "find the recruiter contact information email and phone", types.TaskContactScraping},
		{"job search", "search for an open job position on linkedin", types.TaskJobSearch},
		{"summary", "write a summary report overview of this page", types.TaskSummary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil)
			result := c.Classify(Input{Text: tt.text, Now: time.Now()})
			assert.Equal(t, tt.expected, result.Primary.Type)
		})
	}
}

func TestClassify_AmbiguousInputNeedsClarification(t *testing.T) {
	c := New(nil)
	result := c.Classify(Input{Text: "hello there", Now: time.Now()})
	assert.True(t, result.NeedsClarification)
	assert.NotEmpty(t, result.ClarificationQuestions)
}

func TestClassify_CurrentPageBoostsJobSearch(t *testing.T) {
	c := New(nil)
	result := c.Classify(Input{Text: "what do you see here", CurrentPage: "linkedin", Now: time.Now()})
	assert.Equal(t, types.TaskJobSearch, result.Primary.Type)
}

func TestClassify_NeverPanics(t *testing.T) {
	c := New(nil)
	require.NotPanics(t, func() {
		c.Classify(Input{Text: "\x00\xff weird bytes \n\t", Now: time.Now()})
	})
}

func TestClassify_AlternativesBoundedAtThree(t *testing.T) {
	c := New(nil)
	result := c.Classify(Input{Text: "company research job search extract contact form workflow summary report", Now: time.Now()})
	assert.LessOrEqual(t, len(result.Alternatives), 3)
}
