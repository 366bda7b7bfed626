package contextstore

import (
	"regexp"
	"strings"

	"github.com/modelrouter/core/types"
)

// extractedEntity is one regex-family match within the source text,
// carrying its byte offset so nearby entities can be related.
type extractedEntity struct {
	entityType types.EntityType
	name       string
	confidence float64
	offset     int
}

// patternFamily pairs an entity type with the regexes that recognize it
// and the confidence that family carries (§4.5: "confidence 0.5-0.9 by
// pattern family").
type patternFamily struct {
	entityType types.EntityType
	confidence float64
	patterns   []*regexp.Regexp
}

var patternFamilies = []patternFamily{
	{
		entityType: types.EntityCompany,
		confidence: 0.7,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(at|for|with)\s+([A-Z][A-Za-z0-9&.]+(?:\s+[A-Z][A-Za-z0-9&.]+){0,2})\b`),
			regexp.MustCompile(`\b([A-Z][a-zA-Z]+(?:\s+Inc|\s+LLC|\s+Corp|\s+Ltd)\.?)\b`),
		},
	},
	{
		entityType: types.EntityJob,
		confidence: 0.75,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(software engineer|data scientist|product manager|sales rep(?:resentative)?|recruiter|account executive|backend engineer|frontend engineer)\b`),
		},
	},
	{
		entityType: types.EntitySkill,
		confidence: 0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(go|golang|python|java|typescript|javascript|react|kubernetes|sql|aws|terraform)\b`),
		},
	},
	{
		entityType: types.EntityLocation,
		confidence: 0.65,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(remote|san francisco|new york|london|berlin|austin|seattle)\b`),
		},
	},
	{
		entityType: types.EntityWebsite,
		confidence: 0.9,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bhttps?://[^\s]+\b`),
			regexp.MustCompile(`(?i)\b[a-z0-9-]+\.(com|io|org|net)\b`),
		},
	},
	{
		entityType: types.EntityPerson,
		confidence: 0.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b([A-Z][a-z]+\s[A-Z][a-z]+)\b`),
		},
	},
}

// extractEntities applies the closed set of fixed regex families to text.
func extractEntities(text string) []extractedEntity {
	var out []extractedEntity
	for _, fam := range patternFamilies {
		for _, re := range fam.patterns {
			for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
				name := text[loc[0]:loc[1]]
				if len(loc) > 3 && loc[2] >= 0 {
					name = text[loc[2]:loc[3]]
				}
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				out = append(out, extractedEntity{
					entityType: fam.entityType,
					name:       name,
					confidence: fam.confidence,
					offset:     loc[0],
				})
			}
		}
	}
	return out
}

// nearbyPairs returns index pairs of entities within 100 characters of
// each other in the source text, per §4.5's relationship materialization
// rule.
func nearbyPairs(entities []extractedEntity) [][2]int {
	const proximity = 100
	var pairs [][2]int
	for i := range entities {
		for j := i + 1; j < len(entities); j++ {
			d := entities[j].offset - entities[i].offset
			if d < 0 {
				d = -d
			}
			if d <= proximity {
				pairs = append(pairs, [2]int{i, j})
			}
		}
	}
	return pairs
}
