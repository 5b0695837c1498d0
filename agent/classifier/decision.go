// Package classifier implements the routing classification capability over
// several model providers. All of them share the supervisor prompt and the
// lenient decision parser in this file.
package classifier

import (
	"errors"
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/cognitive-backoffice/agent/contract"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

var ErrNoJSON = errors.New("no JSON object in model output")

const decisionSchemaJSON = `{
  "type": "object",
  "required": ["selected_agent"],
  "properties": {
    "selected_agent": {"type": "string", "minLength": 1},
    "confidence": {"type": ["number", "string"]},
    "reasoning": {"type": "string"},
    "requires_collaboration": {"type": "boolean"},
    "secondary_agents": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

var decisionSchema = mustSchema(decisionSchemaJSON)

func mustSchema(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// ParseDecision extracts the first JSON object from model text, validates it
// and maps it to a Decision. Markdown fences and surrounding prose are
// tolerated.
func ParseDecision(text string) (contractx.Decision, error) {
	raw, err := firstObject(text)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: %v", contractx.ErrSchemaViolation, err)
	}

	result, err := decisionSchema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: validate decision: %v", contractx.ErrSchemaViolation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return contractx.Decision{}, fmt.Errorf("%w: %s", contractx.ErrSchemaViolation, strings.Join(msgs, "; "))
	}

	doc := gjson.Parse(raw)
	d := contractx.Decision{
		Selected:              strings.TrimSpace(doc.Get("selected_agent").String()),
		Confidence:            doc.Get("confidence").Float(),
		Reasoning:             strings.TrimSpace(doc.Get("reasoning").String()),
		RequiresCollaboration: doc.Get("requires_collaboration").Bool(),
	}
	for _, v := range doc.Get("secondary_agents").Array() {
		if name := strings.TrimSpace(v.String()); name != "" {
			d.Secondary = append(d.Secondary, name)
		}
	}
	return d, nil
}

// firstObject returns the first balanced, valid JSON object in text.
func firstObject(text string) (string, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return candidate, nil
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
