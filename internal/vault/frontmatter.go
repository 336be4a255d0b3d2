package vault

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterFence = "---"

// ParseFrontmatter splits a note into its YAML frontmatter and body.
// Content without a frontmatter block, or whose block is not valid YAML,
// is returned whole as the body with a nil map.
func ParseFrontmatter(content string) (map[string]any, string) {
	if !strings.HasPrefix(content, frontmatterFence+"\n") {
		return nil, content
	}
	end := strings.Index(content[4:], "\n"+frontmatterFence)
	if end < 0 {
		return nil, content
	}
	end += 4

	block := content[4:end]
	// The closing fence's newline and one blank separator line belong to
	// the block, so compose and parse round-trip.
	body := strings.TrimPrefix(content[end+4:], "\n")
	body = strings.TrimPrefix(body, "\n")

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return nil, content
	}
	if fm == nil {
		fm = map[string]any{}
	}
	return fm, body
}

// ComposeFrontmatter renders a note from frontmatter and body. An empty map
// yields the body unchanged.
func ComposeFrontmatter(fm map[string]any, body string) (string, error) {
	if len(fm) == 0 {
		return body, nil
	}
	out, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("encode frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString(frontmatterFence + "\n")
	b.Write(out)
	b.WriteString(frontmatterFence + "\n\n")
	b.WriteString(body)
	return b.String(), nil
}
