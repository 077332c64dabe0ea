// Package importer converts uploaded content into entities: pack manifest
// JSON with typed payloads, PDF rulebooks split into titled sections, and
// HTML lore pages reduced to their text.
package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/mmerah/ai-gamemaster-sub005/internal/content"
)

const maxHeadingLen = 64

// EntityWriter is the storage surface imports write through.
// Implemented by storage.Store.
type EntityWriter interface {
	UpsertEntity(e content.Entity) error
}

// Importer turns uploads into content entities for one pack at a time.
type Importer struct {
	store EntityWriter
}

// New creates an Importer writing through the given store.
func New(store EntityWriter) *Importer {
	return &Importer{store: store}
}

// Result summarizes one import.
type Result struct {
	PackID   string                     `json:"pack_id"`
	Entities int                        `json:"entities"`
	ByType   map[content.EntityType]int `json:"by_type"`
}

// manifest is the author-facing JSON shape of a pack content upload.
type manifest struct {
	Name     string          `json:"name"`
	Entities []manifestEntry `json:"entities"`
}

type manifestEntry struct {
	Type       content.EntityType `json:"type"`
	Name       string             `json:"name"`
	Payload    json.RawMessage    `json:"payload"`
	SourceText string             `json:"source_text"`
}

// ImportManifest decodes a pack manifest and writes its entities. The whole
// manifest is validated before anything is written, so a bad entry rejects
// the upload instead of leaving a half-imported pack.
func (im *Importer) ImportManifest(packID string, data []byte) (Result, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Result{}, fmt.Errorf("decoding manifest: %w", err)
	}
	if len(m.Entities) == 0 {
		return Result{}, fmt.Errorf("manifest has no entities")
	}

	seen := make(map[string]bool, len(m.Entities))
	entities := make([]content.Entity, 0, len(m.Entities))
	for i, entry := range m.Entities {
		if !entry.Type.Valid() {
			return Result{}, fmt.Errorf("entity %d: unknown type %q", i, entry.Type)
		}
		if strings.TrimSpace(entry.Name) == "" {
			return Result{}, fmt.Errorf("entity %d: name is required", i)
		}
		payload, err := content.ParsePayload(entry.Type, entry.Payload)
		if err != nil {
			return Result{}, fmt.Errorf("entity %d (%s): %w", i, entry.Name, err)
		}

		key := content.NormalizeKey(entry.Name)
		dedup := string(entry.Type) + "/" + key
		if seen[dedup] {
			return Result{}, fmt.Errorf("entity %d: duplicate %s %q", i, entry.Type, key)
		}
		seen[dedup] = true

		entities = append(entities, content.Entity{
			ID:         uuid.NewString(),
			PackID:     packID,
			Type:       entry.Type,
			Key:        key,
			Name:       strings.TrimSpace(entry.Name),
			Payload:    payload,
			SourceText: entry.SourceText,
		})
	}

	return im.write(packID, entities)
}

// ImportPDF extracts a rulebook's text and writes one entity per titled
// section. entityType selects rule or lore entities; empty means rule.
func (im *Importer) ImportPDF(packID, source string, data []byte, entityType content.EntityType) (Result, error) {
	if entityType == "" {
		entityType = content.TypeRule
	}
	if entityType != content.TypeRule && entityType != content.TypeLore {
		return Result{}, fmt.Errorf("pdf import produces rule or lore entities, not %q", entityType)
	}

	text, err := extractPDFText(data)
	if err != nil {
		return Result{}, err
	}
	sections := splitSections(text, sourceTitle(source))
	if len(sections) == 0 {
		return Result{}, fmt.Errorf("pdf %s has no extractable text", source)
	}

	return im.write(packID, sectionEntities(packID, entityType, sections))
}

// ImportHTML reduces a lore page to its text and writes one lore entity,
// named from the page title.
func (im *Importer) ImportHTML(packID, source string, data []byte) (Result, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("parsing html: %w", err)
	}

	title := htmlTitle(doc)
	if title == "" {
		title = sourceTitle(source)
	}
	var sb strings.Builder
	htmlText(doc, &sb)
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Result{}, fmt.Errorf("page %s has no text content", source)
	}

	return im.write(packID, []content.Entity{{
		ID:      uuid.NewString(),
		PackID:  packID,
		Type:    content.TypeLore,
		Key:     content.NormalizeKey(title),
		Name:    title,
		Payload: &content.LorePayload{Text: text},
	}})
}

func (im *Importer) write(packID string, entities []content.Entity) (Result, error) {
	result := Result{PackID: packID, ByType: make(map[content.EntityType]int)}
	for _, e := range entities {
		if err := im.store.UpsertEntity(e); err != nil {
			return Result{}, fmt.Errorf("writing %s %q: %w", e.Type, e.Key, err)
		}
		result.Entities++
		result.ByType[e.Type]++
	}
	return result, nil
}

// sectionEntities builds one entity per section, disambiguating repeated
// headings so every entity keeps its own row.
func sectionEntities(packID string, t content.EntityType, sections []section) []content.Entity {
	used := make(map[string]int, len(sections))
	entities := make([]content.Entity, 0, len(sections))
	for _, sec := range sections {
		key := content.NormalizeKey(sec.Title)
		used[key]++
		if n := used[key]; n > 1 {
			key = fmt.Sprintf("%s %d", key, n)
		}

		var payload content.Payload
		if t == content.TypeLore {
			payload = &content.LorePayload{Text: sec.Body}
		} else {
			payload = &content.RulePayload{Section: sec.Title, Text: sec.Body}
		}
		entities = append(entities, content.Entity{
			ID:      uuid.NewString(),
			PackID:  packID,
			Type:    t,
			Key:     key,
			Name:    sec.Title,
			Payload: payload,
		})
	}
	return entities
}

// extractPDFText walks every page row by row so visual lines survive as
// text lines, which the section splitter depends on.
func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("extracting text from page %d: %w", i, err)
		}
		for _, row := range rows {
			parts := make([]string, 0, len(row.Content))
			for _, word := range row.Content {
				parts = append(parts, word.S)
			}
			sb.WriteString(strings.Join(parts, " "))
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

type section struct {
	Title string
	Body  string
}

// splitSections breaks extracted text into titled sections at heading lines.
// Text before the first heading becomes a section titled with the fallback.
func splitSections(text, fallback string) []section {
	var out []section
	current := section{Title: fallback}
	var body []string
	flush := func() {
		joined := strings.TrimSpace(strings.Join(body, "\n"))
		if joined != "" {
			current.Body = joined
			out = append(out, current)
		}
		body = body[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isHeading(line) {
			flush()
			current = section{Title: line}
			continue
		}
		body = append(body, line)
	}
	flush()
	return out
}

// smallWords may stay lowercase inside a title-case heading.
var smallWords = map[string]bool{
	"a": true, "an": true, "and": true, "by": true, "for": true, "in": true,
	"of": true, "on": true, "or": true, "the": true, "to": true, "with": true,
}

// isHeading reports whether a line reads like a section heading: short,
// no terminal sentence punctuation, every word title-case, upper-case, or a
// small connective.
func isHeading(line string) bool {
	if utf8.RuneCountInString(line) > maxHeadingLen {
		return false
	}
	switch line[len(line)-1] {
	case '.', ',', ':', ';', '!', '?':
		return false
	}
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	for i, w := range words {
		r, _ := utf8.DecodeRuneInString(w)
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			continue
		}
		if i > 0 && smallWords[strings.ToLower(w)] {
			continue
		}
		return false
	}
	return true
}

// sourceTitle derives a readable title from an upload's file name.
func sourceTitle(source string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.ReplaceAll(base, "-", " ")
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.TrimSpace(base)
	if base == "" || base == "." {
		return "Imported content"
	}
	return base
}

// skipTags are elements whose text is never page content.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
	"template": true, "iframe": true,
}

// blockTags separate their text with a line break when flattened.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "li": true,
	"br": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "tr": true, "blockquote": true, "pre": true,
}

// htmlTitle returns the page's <title>, falling back to its first <h1>.
func htmlTitle(doc *html.Node) string {
	if t := findText(doc, "title"); t != "" {
		return t
	}
	return findText(doc, "h1")
}

func findText(n *html.Node, tag string) string {
	if n.Type == html.ElementNode && n.Data == tag {
		var sb strings.Builder
		htmlText(n, &sb)
		return strings.Join(strings.Fields(sb.String()), " ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findText(c, tag); t != "" {
			return t
		}
	}
	return ""
}

// htmlText flattens the node's text content, skipping non-content elements
// and breaking lines at block boundaries.
func htmlText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skipTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		htmlText(c, sb)
	}
	if n.Type == html.ElementNode && blockTags[n.Data] {
		sb.WriteString("\n")
	}
}
