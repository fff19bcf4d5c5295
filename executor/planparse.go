package executor

import (
	"encoding/json"
	"errors"
	"regexp"
)

var errNoPlan = errors.New("Could not parse board plan from AI output. No valid JSON with 'cards' key found.")

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)\n```")

// boardPlan is the JSON shape the planning agent is asked to produce.
type boardPlan struct {
	BoardName        string     `json:"board_name"`
	BoardDescription string     `json:"board_description"`
	Plan             string     `json:"plan"`
	Cards            []planCard `json:"cards"`
}

type planCard struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	Labels      json.RawMessage `json:"labels"`
}

// parsePlan extracts the JSON plan from AI output, first from a fenced
// code block, then by scanning for balanced top-level JSON objects. A
// candidate must carry a "cards" key to count.
func parsePlan(output string) (*boardPlan, error) {
	if m := fencedJSON.FindStringSubmatch(output); m != nil {
		if plan := decodePlan(m[1]); plan != nil {
			return plan, nil
		}
	}

	depth := 0
	start := -1
	for i, ch := range output {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if plan := decodePlan(output[start : i+1]); plan != nil {
					return plan, nil
				}
				start = -1
			}
		}
	}
	return nil, errNoPlan
}

func decodePlan(s string) *boardPlan {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &probe); err != nil {
		return nil
	}
	if _, ok := probe["cards"]; !ok {
		return nil
	}
	var plan boardPlan
	if err := json.Unmarshal([]byte(s), &plan); err != nil {
		return nil
	}
	return &plan
}
