// Package parser reads text captures dropped into the inbox: an optional
// YAML frontmatter block naming the journey, owner, tags and enrichment
// snapshots, followed by the note body.
package parser

import (
	"os"
	"regexp"
	"strings"
)

var (
	// inlineTagRegex matches #tag-name (but not #123 or inside code blocks)
	inlineTagRegex = regexp.MustCompile(`(?:^|[^&\w])#([a-zA-Z][a-zA-Z0-9_/-]*)`)

	// codeBlockRegex matches fenced code blocks
	codeBlockRegex = regexp.MustCompile("(?s)```.*?```")

	// inlineCodeRegex matches inline code
	inlineCodeRegex = regexp.MustCompile("`[^`]+`")
)

// ParsedNote is a note capture ready for intake
type ParsedNote struct {
	Frontmatter *Frontmatter
	Body        string
	Tags        []string
}

// Parser handles parsing of note captures
type Parser struct{}

// NewParser creates a new Parser instance
func NewParser() *Parser {
	return &Parser{}
}

// ParseFile reads and parses a note file
func (p *Parser) ParseFile(path string) (*ParsedNote, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return p.ParseContent(string(content))
}

// ParseContent parses note content. Frontmatter tags come first, followed
// by inline #tags from the body.
func (p *Parser) ParseContent(content string) (*ParsedNote, error) {
	fm, body, err := ParseFrontmatter(content)
	if err != nil {
		return nil, err
	}

	return &ParsedNote{
		Frontmatter: fm,
		Body:        strings.TrimSpace(body),
		Tags:        MergeTags(fm.Tags, extractInlineTags(body)),
	}, nil
}

// extractInlineTags finds all #tags in the content, excluding code blocks
func extractInlineTags(content string) []string {
	cleanContent := codeBlockRegex.ReplaceAllString(content, "")
	cleanContent = inlineCodeRegex.ReplaceAllString(cleanContent, "")

	matches := inlineTagRegex.FindAllStringSubmatch(cleanContent, -1)
	seen := make(map[string]bool)
	var tags []string

	for _, match := range matches {
		if len(match) > 1 {
			tag := strings.ToLower(strings.TrimSpace(match[1]))
			if tag != "" && !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}

	return tags
}

// MergeTags combines tag lists, lowercasing and removing duplicates
func MergeTags(lists ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string

	for _, list := range lists {
		for _, tag := range list {
			tag = strings.ToLower(strings.TrimSpace(tag))
			if tag != "" && !seen[tag] {
				seen[tag] = true
				merged = append(merged, tag)
			}
		}
	}

	return merged
}
