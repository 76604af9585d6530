package engine

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Decision is the parsed judgment output.
type Decision struct {
	ShouldSend  bool   `json:"shouldSendMessage"`
	Reason      string `json:"reason"`
	MessageType string `json:"messageType"`
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

const (
	affirmativeKeyword = "should speak"
	negativeKeyword    = "should not speak"
)

// ParseDecision recovers a Decision from free-form model output. Three
// strategies run in order: a fenced JSON block within the text, the whole
// body as JSON, then a keyword heuristic. When all three fail the result is
// a conservative "do not speak" — parse failure never aborts a cycle.
func ParseDecision(text string) Decision {
	text = strings.TrimSpace(text)

	if match := fencedJSONPattern.FindStringSubmatch(text); match != nil {
		var d Decision
		if err := json.Unmarshal([]byte(match[1]), &d); err == nil {
			return d
		}
	}

	var d Decision
	if err := json.Unmarshal([]byte(text), &d); err == nil {
		return d
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, affirmativeKeyword) && !strings.Contains(lower, negativeKeyword) {
		return Decision{ShouldSend: true, Reason: "keyword heuristic", MessageType: defaultMessageType}
	}
	return Decision{ShouldSend: false}
}
