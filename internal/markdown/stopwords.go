package markdown

// stopwords are excluded from term-frequency concept extraction.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"being": true, "have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "should": true, "could": true,
	"can": true, "may": true, "might": true, "must": true, "shall": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"for": true, "with": true, "about": true, "against": true, "between": true,
	"into": true, "through": true, "during": true, "before": true, "after": true,
	"above": true, "below": true, "from": true, "up": true, "down": true,
	"out": true, "off": true, "over": true, "under": true, "again": true,
	"further": true, "then": true, "once": true, "here": true, "there": true,
	"when": true, "where": true, "why": true, "how": true, "all": true,
	"any": true, "both": true, "each": true, "few": true, "more": true,
	"most": true, "other": true, "some": true, "such": true, "only": true,
	"own": true, "same": true, "than": true, "too": true, "very": true,
	"this": true, "that": true, "these": true, "those": true, "it": true,
	"its": true, "you": true, "your": true, "we": true, "our": true,
	"they": true, "their": true, "he": true, "she": true, "his": true,
	"her": true, "as": true, "if": true, "not": true, "no": true, "so": true,
}
