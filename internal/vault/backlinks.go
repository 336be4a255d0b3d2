package vault

import (
	"context"
	"regexp"
	"strings"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

// Backlink is one line linking to a note.
type Backlink struct {
	File    string `json:"file"`
	Context string `json:"context"`
	Line    int    `json:"line"`
}

// Backlinks finds wikilinks to target in every markdown file: [[target]],
// [[target|alias]] and [[target#heading]]. Matching ignores case and a
// trailing .md on the target.
func (v *Vault) Backlinks(ctx context.Context, target string) ([]Backlink, error) {
	name := strings.TrimSuffix(target, ".md")
	pattern := regexp.MustCompile(`(?i)\[\[` + regexp.QuoteMeta(name) + `(\]\]|\||#)`)

	files, err := v.ListMarkdown(ctx, ".")
	if err != nil {
		return nil, err
	}

	links := []Backlink{}
	for _, rel := range files {
		text, err := v.Read(rel)
		if err != nil {
			v.logger.Debug("Skipping unreadable file", logging.Path(rel), logging.Err(err))
			continue
		}
		for i, line := range splitLines(text) {
			if pattern.MatchString(line) {
				links = append(links, Backlink{
					File:    rel,
					Context: strings.TrimSpace(line),
					Line:    i + 1,
				})
			}
		}
	}
	return links, nil
}
