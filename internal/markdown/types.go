// Package markdown implements the pure parse(text) -> ParsedDocument step
// of MarkdownKeeper's ingestion pipeline: frontmatter extraction, heading
// walking, paragraph chunking, link extraction, and title/summary/concept
// derivation.
package markdown

import (
	"strconv"
	"strings"
)

// FrontmatterKind tags which variant a FrontmatterValue carries.
type FrontmatterKind int

const (
	FrontmatterString FrontmatterKind = iota
	FrontmatterList
	FrontmatterInt
	FrontmatterBool
)

// FrontmatterValue is one frontmatter entry: a tagged union over the value
// shapes authors actually write (scalar string, list, integer, boolean).
type FrontmatterValue struct {
	Kind FrontmatterKind
	Str  string
	List []string
	Int  int64
	Bool bool
}

// AsString renders the value as a single string; lists join with ", ".
func (v FrontmatterValue) AsString() string {
	switch v.Kind {
	case FrontmatterList:
		return strings.Join(v.List, ", ")
	case FrontmatterInt:
		return strconv.FormatInt(v.Int, 10)
	case FrontmatterBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

// AsList normalizes the value into a list of trimmed, non-empty strings:
// a list is returned as-is, a scalar string is split on commas. Used for
// tags and concepts, which accept either shape.
func (v FrontmatterValue) AsList() []string {
	if v.Kind == FrontmatterList {
		out := make([]string, 0, len(v.List))
		for _, item := range v.List {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	return splitList(v.AsString())
}

// ParsedHeading is one entry in a document's ordered heading list.
type ParsedHeading struct {
	Ordinal int
	Level   int
	Text    string
	Anchor  string
}

// ParsedLink is one link occurrence found in a document's body.
type ParsedLink struct {
	Target     string
	IsExternal bool
}

// ParsedChunk is one paragraph-level unit of a document's body.
type ParsedChunk struct {
	Ordinal       int
	HeadingPath   string
	Content       string
	TokenEstimate int
}

// ParsedDocument is the result of parsing a Markdown file's raw text.
type ParsedDocument struct {
	Frontmatter   map[string]FrontmatterValue
	Title         string
	Summary       string
	Category      string
	Tags          []string
	Concepts      []string
	Headings      []ParsedHeading
	Chunks        []ParsedChunk
	Links         []ParsedLink
	TokenEstimate int
	ContentHash   string
}
