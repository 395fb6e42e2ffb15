package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrontmatterAndTitle(t *testing.T) {
	text := `---
title: Getting Started
tags: go, cli
category: guides
---

# Getting Started

This is the intro paragraph.
`
	doc, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "Getting Started", doc.Title)
	assert.Equal(t, []string{"go", "cli"}, doc.Tags)
	assert.Equal(t, "guides", doc.Category)
	require.Len(t, doc.Headings, 1)
	assert.Equal(t, "getting-started", doc.Headings[0].Anchor)
}

func TestParseFrontmatterPreservesValueShapes(t *testing.T) {
	text := `---
title: Typed
tags:
  - go
  - sqlite
draft: true
revision: 7
---

body text
`
	doc, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "sqlite"}, doc.Tags)

	assert.Equal(t, FrontmatterList, doc.Frontmatter["tags"].Kind)
	assert.Equal(t, FrontmatterBool, doc.Frontmatter["draft"].Kind)
	assert.True(t, doc.Frontmatter["draft"].Bool)
	assert.Equal(t, FrontmatterInt, doc.Frontmatter["revision"].Kind)
	assert.Equal(t, int64(7), doc.Frontmatter["revision"].Int)
	assert.Equal(t, "Typed", doc.Frontmatter["title"].AsString())
}

func TestParseWithoutFrontmatterFallsBackToFirstHeading(t *testing.T) {
	text := "# Hello World\n\nSome body text.\n"
	doc, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "Hello World", doc.Title)
}

func TestParseUntitledWhenNoHeadingOrFrontmatter(t *testing.T) {
	doc, err := Parse("just some prose with no heading\n")
	require.NoError(t, err)
	assert.Equal(t, "Untitled", doc.Title)
}

func TestParseHeadingPathIsSlashJoined(t *testing.T) {
	text := `# Top

## Sub

content under sub
`
	doc, err := Parse(text)
	require.NoError(t, err)
	require.NotEmpty(t, doc.Chunks)
	found := false
	for _, c := range doc.Chunks {
		if strings.Contains(c.Content, "content under sub") {
			assert.Equal(t, "Top/Sub", c.HeadingPath)
			found = true
		}
	}
	assert.True(t, found, "expected a chunk under Top/Sub")
}

func TestParseChunkSplitsAt120Words(t *testing.T) {
	words := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		words = append(words, "word")
	}
	text := "# Heading\n\n" + strings.Join(words, " ") + "\n"

	doc, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, doc.Chunks, 3)
	assert.Equal(t, 120, doc.Chunks[0].TokenEstimate)
	assert.Equal(t, 120, doc.Chunks[1].TokenEstimate)
	assert.Equal(t, 60, doc.Chunks[2].TokenEstimate)
}

func TestParseLinksClassifyExternal(t *testing.T) {
	text := "See [docs](https://example.com/docs) and [local](./other.md), or <http://raw.example.com>.\n"
	doc, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, doc.Links, 3)

	var external, internal int
	for _, l := range doc.Links {
		if l.IsExternal {
			external++
		} else {
			internal++
		}
	}
	assert.Equal(t, 2, external)
	assert.Equal(t, 1, internal)
}

func TestParseConceptsFromFrontmatterOverrideExtraction(t *testing.T) {
	text := `---
concepts: indexing, retrieval
---

# Doc

lots of unrelated body words here about caching and storage systems
`
	doc, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"indexing", "retrieval"}, doc.Concepts)
}

func TestParseConceptsExtractedWhenAbsent(t *testing.T) {
	text := `# Storage

storage storage storage indexing indexing caching
`
	doc, err := Parse(text)
	require.NoError(t, err)
	require.NotEmpty(t, doc.Concepts)
	assert.Equal(t, "storage", doc.Concepts[0])
}

func TestParseContentHashStable(t *testing.T) {
	text := "# Same\n\nbody\n"
	a, err := Parse(text)
	require.NoError(t, err)
	b, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	c, err := Parse(text + "more\n")
	require.NoError(t, err)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestParseSummaryTruncatedTo150Tokens(t *testing.T) {
	words := make([]string, 0, 400)
	for i := 0; i < 400; i++ {
		words = append(words, "filler")
	}
	text := "# T\n\n## Section A\n\n" + strings.Join(words, " ") + "\n"
	doc, err := Parse(text)
	require.NoError(t, err)
	tokenCount := len(wordPattern.FindAllString(doc.Summary, -1))
	assert.LessOrEqual(t, tokenCount, 150)
}

func TestParseEmptyInput(t *testing.T) {
	doc, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, "Untitled", doc.Title)
	assert.Empty(t, doc.Chunks)
}
