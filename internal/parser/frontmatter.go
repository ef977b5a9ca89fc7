package parser

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// frontmatterRegex matches YAML frontmatter between --- delimiters
	frontmatterRegex = regexp.MustCompile(`(?s)^---\r?\n(.+?)\r?\n---\r?\n?`)

	// Date formats accepted for the created field
	dateFormats = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}
)

// Frontmatter holds the capture fields a note may declare up front
type Frontmatter struct {
	ID       string
	Journey  string
	Owner    string
	Tags     []string
	Created  *time.Time
	Location json.RawMessage
	Weather  json.RawMessage
}

// flexibleTime handles various date formats
type flexibleTime struct {
	time.Time
}

func (ft *flexibleTime) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}

	str = strings.TrimSpace(str)
	if str == "" {
		return nil
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, str); err == nil {
			ft.Time = t
			return nil
		}
	}

	return nil // Don't fail on unparseable dates, just leave empty
}

type rawFrontmatter struct {
	ID       string       `yaml:"id"`
	Journey  string       `yaml:"journey"`
	Owner    string       `yaml:"owner"`
	Tags     interface{}  `yaml:"tags"` // Can be string or []string
	Created  flexibleTime `yaml:"created"`
	Location interface{}  `yaml:"location"`
	Weather  interface{}  `yaml:"weather"`
}

// ParseFrontmatter extracts and parses YAML frontmatter from content.
// Content without (or with unparseable) frontmatter is returned whole as
// the body.
func ParseFrontmatter(content string) (*Frontmatter, string, error) {
	fm := &Frontmatter{}

	match := frontmatterRegex.FindStringSubmatch(content)
	if match == nil {
		return fm, content, nil
	}

	yamlContent := match[1]
	body := content[len(match[0]):]

	var raw rawFrontmatter
	if err := yaml.Unmarshal([]byte(yamlContent), &raw); err != nil {
		return fm, content, nil
	}

	fm.ID = strings.TrimSpace(raw.ID)
	fm.Journey = strings.TrimSpace(raw.Journey)
	fm.Owner = strings.TrimSpace(raw.Owner)
	fm.Tags = normalizeStringArray(raw.Tags)

	if !raw.Created.IsZero() {
		t := raw.Created.Time
		fm.Created = &t
	}

	fm.Location = snapshotJSON(raw.Location)
	fm.Weather = snapshotJSON(raw.Weather)

	return fm, body, nil
}

// snapshotJSON turns a decoded YAML value into an opaque JSON snapshot
func snapshotJSON(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil
	}
	return data
}

// normalizeYAML converts map[interface{}]interface{} nodes, which
// encoding/json rejects, into map[string]interface{}
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeYAML(item)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return val
	}
}

// normalizeStringArray converts string or []string or []interface{} to []string
func normalizeStringArray(v interface{}) []string {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// HasFrontmatter checks if content has YAML frontmatter
func HasFrontmatter(content string) bool {
	return frontmatterRegex.MatchString(content)
}
