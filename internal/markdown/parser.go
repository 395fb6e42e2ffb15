package markdown

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	frontmatterPattern = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?`)
	headerPattern      = regexp.MustCompile(`(?m)^(#{1,6})[ \t]+(.+?)[ \t]*$`)
	wordPattern        = regexp.MustCompile(`\S+`)
	conceptWordPattern = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_-]{2,}`)
	slugNonAlnum       = regexp.MustCompile(`[^a-z0-9]+`)
	inlineLinkPattern  = regexp.MustCompile(`\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	autolinkPattern    = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9+.-]*://[^>\s]+)>`)
	externalPattern    = regexp.MustCompile(`^[a-z][a-z0-9+.-]*://`)

	maxChunkWords     = 120
	maxSummaryTokens  = 150
	maxConceptResults = 10
)

// Parse converts the raw text of a Markdown file into a ParsedDocument.
// It is a pure function: given the same text it always returns the same
// result, with no filesystem or network access.
func Parse(text string) (*ParsedDocument, error) {
	hash := sha256.Sum256([]byte(text))

	frontmatter, body := extractFrontmatter(text)

	headings, sections := parseSections(body)

	chunks := buildChunks(sections)

	links := extractLinks(body)

	title := deriveTitle(frontmatter, headings)
	concepts := deriveConcepts(frontmatter, body, headings)
	summary := deriveSummary(frontmatter, title, headings, sections)

	doc := &ParsedDocument{
		Frontmatter:   frontmatter,
		Title:         title,
		Summary:       summary,
		Category:      frontmatter["category"].AsString(),
		Tags:          frontmatter["tags"].AsList(),
		Concepts:      concepts,
		Headings:      headings,
		Chunks:        chunks,
		Links:         links,
		TokenEstimate: countTokens(body),
		ContentHash:   hex.EncodeToString(hash[:]),
	}
	return doc, nil
}

// extractFrontmatter strips a leading "---\n...\n---\n" block and parses it
// as a YAML key/value map, preserving each value's shape in a
// FrontmatterValue. A malformed block yields an empty map, not an error
// (the parser is lenient; spec §4.C).
func extractFrontmatter(text string) (map[string]FrontmatterValue, string) {
	match := frontmatterPattern.FindStringSubmatchIndex(text)
	if match == nil {
		return map[string]FrontmatterValue{}, text
	}

	raw := text[match[2]:match[3]]
	rest := text[match[1]:]

	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil || parsed == nil {
		return map[string]FrontmatterValue{}, rest
	}

	fm := make(map[string]FrontmatterValue, len(parsed))
	for k, v := range parsed {
		fm[strings.ToLower(k)] = toFrontmatterValue(v)
	}
	return fm, rest
}

// toFrontmatterValue maps a YAML-decoded value onto the tagged union:
// strings, lists, integers and booleans keep their shape, anything else is
// stringified.
func toFrontmatterValue(v interface{}) FrontmatterValue {
	switch val := v.(type) {
	case string:
		return FrontmatterValue{Kind: FrontmatterString, Str: val}
	case bool:
		return FrontmatterValue{Kind: FrontmatterBool, Bool: val}
	case int:
		return FrontmatterValue{Kind: FrontmatterInt, Int: int64(val)}
	case int64:
		return FrontmatterValue{Kind: FrontmatterInt, Int: val}
	case []interface{}:
		items := make([]string, 0, len(val))
		for _, item := range val {
			items = append(items, toFrontmatterValue(item).AsString())
		}
		return FrontmatterValue{Kind: FrontmatterList, List: items}
	case nil:
		return FrontmatterValue{Kind: FrontmatterString}
	default:
		return FrontmatterValue{Kind: FrontmatterString, Str: fmt.Sprintf("%v", val)}
	}
}

// splitList splits a comma-separated frontmatter value into a trimmed,
// non-empty slice.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// section is one contiguous span of body text under a given heading path
// (or the top-level span preceding the first heading).
type section struct {
	headingPath string
	content     string
}

// parseSections walks the body line by line, tracking a 6-level heading
// stack, and returns both the flattened heading list and the sequence of
// sections (spans of content between headings).
func parseSections(body string) ([]ParsedHeading, []section) {
	lines := strings.Split(body, "\n")
	headerStack := make([]string, 6)

	var headings []ParsedHeading
	var sections []section
	var builder strings.Builder
	currentPath := ""
	ordinal := 0

	flush := func() {
		content := builder.String()
		if strings.TrimSpace(content) != "" {
			sections = append(sections, section{headingPath: currentPath, content: content})
		}
		builder.Reset()
	}

	for _, line := range lines {
		if match := headerPattern.FindStringSubmatch(line); match != nil {
			flush()

			level := len(match[1])
			title := strings.TrimSpace(match[2])
			headerStack[level-1] = title
			for i := level; i < 6; i++ {
				headerStack[i] = ""
			}

			var pathParts []string
			for i := 0; i < level; i++ {
				if headerStack[i] != "" {
					pathParts = append(pathParts, headerStack[i])
				}
			}
			currentPath = strings.Join(pathParts, "/")

			headings = append(headings, ParsedHeading{
				Ordinal: ordinal,
				Level:   level,
				Text:    title,
				Anchor:  slugify(title),
			})
			ordinal++
			continue
		}
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	flush()

	return headings, sections
}

// slugify lowercases, replaces runs of non-alphanumerics with a single
// hyphen, and trims leading/trailing hyphens.
func slugify(s string) string {
	lower := strings.ToLower(s)
	slug := slugNonAlnum.ReplaceAllString(lower, "-")
	return strings.Trim(slug, "-")
}

// buildChunks splits each section's content on blank lines into paragraphs,
// then splits any paragraph longer than maxChunkWords at word boundaries
// while preserving the paragraph's original whitespace within each chunk.
func buildChunks(sections []section) []ParsedChunk {
	var chunks []ParsedChunk
	ordinal := 0

	for _, sec := range sections {
		for _, para := range splitParagraphs(sec.content) {
			words := wordPattern.FindAllStringIndex(para, -1)
			if len(words) == 0 {
				continue
			}
			for start := 0; start < len(words); start += maxChunkWords {
				end := start + maxChunkWords
				if end > len(words) {
					end = len(words)
				}
				spanStart := words[start][0]
				spanEnd := words[end-1][1]
				content := para[spanStart:spanEnd]

				chunks = append(chunks, ParsedChunk{
					Ordinal:       ordinal,
					HeadingPath:   sec.headingPath,
					Content:       content,
					TokenEstimate: end - start,
				})
				ordinal++
			}
		}
	}

	return chunks
}

// splitParagraphs splits content on blank-line boundaries, discarding
// paragraphs that are entirely whitespace.
func splitParagraphs(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	parts := strings.Split(normalized, "\n\n")

	var paragraphs []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

// extractLinks finds inline `[text](target)` links and bare autolinks,
// classifying each as external when its target matches a URI scheme.
func extractLinks(body string) []ParsedLink {
	var links []ParsedLink

	for _, match := range inlineLinkPattern.FindAllStringSubmatch(body, -1) {
		target := match[2]
		links = append(links, ParsedLink{
			Target:     target,
			IsExternal: externalPattern.MatchString(target),
		})
	}

	for _, match := range autolinkPattern.FindAllStringSubmatch(body, -1) {
		target := match[1]
		links = append(links, ParsedLink{
			Target:     target,
			IsExternal: externalPattern.MatchString(target),
		})
	}

	return links
}

// deriveTitle returns the frontmatter title, else the first heading's text,
// else "Untitled".
func deriveTitle(frontmatter map[string]FrontmatterValue, headings []ParsedHeading) string {
	if t := frontmatter["title"].AsString(); t != "" {
		return t
	}
	if len(headings) > 0 {
		return headings[0].Text
	}
	return "Untitled"
}

// deriveSummary returns the frontmatter summary verbatim, else a structured
// auto-summary truncated to maxSummaryTokens whitespace-separated tokens.
func deriveSummary(frontmatter map[string]FrontmatterValue, title string, headings []ParsedHeading, sections []section) string {
	if s := frontmatter["summary"].AsString(); s != "" {
		return s
	}

	var h2s []string
	for _, h := range headings {
		if h.Level == 2 {
			h2s = append(h2s, h.Text)
		}
	}

	firstParagraph := ""
	for _, sec := range sections {
		paras := splitParagraphs(sec.content)
		if len(paras) > 0 {
			firstParagraph = strings.TrimSpace(paras[0])
			break
		}
	}

	summary := fmt.Sprintf("%s. Covers: %s. %s", title, strings.Join(h2s, ", "), firstParagraph)
	return truncateTokens(summary, maxSummaryTokens)
}

// deriveConcepts returns the frontmatter concepts list, else the top 10
// body terms by frequency (stopwords removed, heading words weighted x2).
func deriveConcepts(frontmatter map[string]FrontmatterValue, body string, headings []ParsedHeading) []string {
	if list := frontmatter["concepts"].AsList(); len(list) > 0 {
		return list
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0

	addWords := func(text string, weight int) {
		for _, w := range conceptWordPattern.FindAllString(text, -1) {
			lw := strings.ToLower(w)
			if stopwords[lw] {
				continue
			}
			if _, ok := firstSeen[lw]; !ok {
				firstSeen[lw] = order
				order++
			}
			counts[lw] += weight
		}
	}

	// body still contains the heading lines, so each heading word has
	// already been counted once; one more pass brings it to x2.
	addWords(body, 1)
	for _, h := range headings {
		addWords(h.Text, 1)
	}

	type termCount struct {
		term  string
		count int
		first int
	}
	terms := make([]termCount, 0, len(counts))
	for term, count := range counts {
		terms = append(terms, termCount{term: term, count: count, first: firstSeen[term]})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].count != terms[j].count {
			return terms[i].count > terms[j].count
		}
		return terms[i].first < terms[j].first
	})

	if len(terms) > maxConceptResults {
		terms = terms[:maxConceptResults]
	}

	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.term
	}
	return out
}

// countTokens counts whitespace-separated tokens.
func countTokens(text string) int {
	return len(wordPattern.FindAllString(text, -1))
}

// truncateTokens truncates text to at most n whitespace-separated tokens.
func truncateTokens(text string, n int) string {
	words := wordPattern.FindAllStringIndex(text, -1)
	if len(words) <= n {
		return text
	}
	if n == 0 {
		return ""
	}
	return text[:words[n-1][1]]
}
