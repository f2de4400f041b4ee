package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DecodeLLMJSON unmarshals a model reply into target. Replies wrapped in a
// ```json fence or surrounded by prose are narrowed to the outermost object.
func DecodeLLMJSON(content string, target any) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("decode reply: empty payload")
	}
	firstErr := json.Unmarshal([]byte(content), target)
	if firstErr == nil {
		return nil
	}
	object := outermostObject(unfence(content))
	if object == "" || object == content {
		return fmt.Errorf("decode reply: %w (payload: %s)", firstErr, snippet(content))
	}
	if err := json.Unmarshal([]byte(object), target); err != nil {
		return fmt.Errorf("decode reply: %w (extracted: %s)", err, snippet(object))
	}
	return nil
}

func unfence(content string) string {
	rest, fenced := strings.CutPrefix(content, "```")
	if !fenced {
		return content
	}
	rest = strings.TrimLeft(rest, " \t\r\n")
	if len(rest) >= 4 && strings.EqualFold(rest[:4], "json") {
		rest = rest[4:]
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func outermostObject(content string) string {
	open := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if open < 0 || end <= open {
		return content
	}
	return strings.TrimSpace(content[open : end+1])
}

// snippet collapses whitespace and caps s for error messages.
func snippet(s string) string {
	const limit = 160
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "<empty>"
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
