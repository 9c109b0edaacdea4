// Package extract defines the document extraction surface the pipeline calls
// out to. Production deployments plug in an external service; the local
// extractor gives deterministic results for development and tests.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Document is the input handed to an extractor.
type Document struct {
	JobID    string
	Filename string
	Content  []byte
}

// Result captures what the extractor pulled out of a document.
type Result struct {
	Text        string
	PageCount   int
	WordCount   int
	Sections    []string
	Label       string
	UnitsBilled int64
}

// Extractor turns raw document bytes into structured text.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (Result, error)
}

// pageBytes approximates how much raw content maps onto one page.
const pageBytes = 3000

// LocalExtractor is a deterministic extractor for dev and tests. It treats
// the payload as plain text, splits sections on heading-like lines, and
// derives a classification label from simple keyword counts.
type LocalExtractor struct{}

func NewLocalExtractor() *LocalExtractor {
	return &LocalExtractor{}
}

func (e *LocalExtractor) Extract(ctx context.Context, doc Document) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(doc.Content) == 0 {
		return Result{}, fmt.Errorf("document %s is empty", doc.JobID)
	}

	text := string(doc.Content)
	pages := (len(doc.Content) + pageBytes - 1) / pageBytes
	words := len(strings.Fields(text))

	res := Result{
		Text:        text,
		PageCount:   pages,
		WordCount:   words,
		Sections:    detectSections(text),
		Label:       classify(text),
		UnitsBilled: int64(pages),
	}
	return res, nil
}

// detectSections picks out short lines that look like headings: no trailing
// punctuation and mostly title-cased or upper-cased words.
func detectSections(text string) []string {
	var sections []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) > 80 {
			continue
		}
		if strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") {
			continue
		}
		if looksLikeHeading(line) {
			sections = append(sections, line)
		}
	}
	return sections
}

func looksLikeHeading(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	capitalized := 0
	for _, word := range words {
		r := []rune(word)[0]
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			capitalized++
		}
	}
	return capitalized*2 >= len(words)
}

var labelKeywords = map[string][]string{
	"invoice":   {"invoice", "amount due", "bill to", "payment terms"},
	"receipt":   {"receipt", "total paid", "change due", "cashier"},
	"contract":  {"agreement", "party", "hereinafter", "witness whereof"},
	"statement": {"statement", "balance", "account number", "period ending"},
}

func classify(text string) string {
	lowered := strings.ToLower(text)
	best := "document"
	bestScore := 0
	labels := make([]string, 0, len(labelKeywords))
	for label := range labelKeywords {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		score := 0
		for _, kw := range labelKeywords[label] {
			score += strings.Count(lowered, kw)
		}
		if score > bestScore {
			best = label
			bestScore = score
		}
	}
	return best
}
