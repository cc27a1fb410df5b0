package dispatch

import (
	"fmt"
	"strings"
)

// ValidationError itemizes every failure found in a tool call's arguments.
// It is surfaced to the caller before anything reaches a tab agent.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// Pseudo-selectors from non-standard engines that querySelector silently
// fails on. Rejected early with guidance instead of a confusing downstream
// "element not found".
var bannedPseudoSelectors = []string{
	":has-text(",
	":text(",
	":text-is(",
	":contains(",
	":visible",
	":hidden",
	":nth-match(",
}

// validate checks args against the tool's declared schema and returns an
// itemized *ValidationError, or nil when the call is well-formed.
func validate(tool Tool, args map[string]any) error {
	var problems []string

	properties, _ := tool.InputSchema["properties"].(map[string]any)
	if required, ok := tool.InputSchema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				problems = append(problems, fmt.Sprintf("missing required field %q", name))
			}
		}
	}
	for name, value := range args {
		declared, ok := properties[name].(map[string]any)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown field %q", name))
			continue
		}
		if problem := checkType(name, declared, value); problem != "" {
			problems = append(problems, problem)
			continue
		}
		if isSelectorField(name) {
			if text, ok := value.(string); ok {
				if problem := checkSelector(name, text); problem != "" {
					problems = append(problems, problem)
				}
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{Tool: tool.Name, Problems: problems}
}

func checkType(name string, declared map[string]any, value any) string {
	kind, _ := declared["type"].(string)
	switch kind {
	case "string":
		text, ok := value.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a string", name)
		}
		if enum, ok := declared["enum"].([]string); ok {
			for _, allowed := range enum {
				if text == allowed {
					return ""
				}
			}
			return fmt.Sprintf("field %q must be one of %s", name, strings.Join(enum, ", "))
		}
	case "integer":
		// JSON numbers decode as float64.
		num, ok := value.(float64)
		if !ok {
			if _, isInt := value.(int); isInt {
				return ""
			}
			return fmt.Sprintf("field %q must be an integer", name)
		}
		if num != float64(int64(num)) {
			return fmt.Sprintf("field %q must be an integer", name)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Sprintf("field %q must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean", name)
		}
	}
	return ""
}

func isSelectorField(name string) bool {
	return name == "selector"
}

func checkSelector(name, selector string) string {
	lower := strings.ToLower(selector)
	for _, banned := range bannedPseudoSelectors {
		if strings.Contains(lower, banned) {
			pseudo := strings.TrimSuffix(banned, "(")
			return fmt.Sprintf("field %q uses %s, which standard CSS engines silently ignore; use a plain CSS selector (e.g. an id, class, or attribute match) and filter by text with %s instead", name, pseudo, toolQuery)
		}
	}
	return ""
}
