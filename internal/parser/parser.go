// Package parser extracts plain text from uploaded files. Each format has a
// Parser; a Registry resolves one by file extension. Extraction failures on
// individual pages degrade to partial text rather than failing the file.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"go.uber.org/zap"

	"github.com/oakheim/docbase/internal/logging"
)

// Result is extracted document text.
type Result struct {
	Content string
	Pages   int

	// Partial is set when some of the document could not be extracted.
	Partial bool
}

// Parser extracts text from one file format.
type Parser interface {
	Parse(r io.Reader, filename string) (*Result, error)
	Extensions() []string
}

// Registry resolves a Parser by file extension.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a registry with the built-in parsers registered.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(&Text{})
	r.Register(&Markdown{})
	r.Register(&PDF{logger: logger})
	r.Register(&DOCX{})
	return r
}

// Register adds a parser for each extension it claims. Later registrations
// win.
func (r *Registry) Register(p Parser) {
	for _, ext := range p.Extensions() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// ForFile returns the parser handling filename's extension.
func (r *Registry) ForFile(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	p, ok := r.parsers[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
	return p, nil
}

// Supported lists every registered extension.
func (r *Registry) Supported() []string {
	out := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		out = append(out, ext)
	}
	return out
}

// Text handles plain-text formats verbatim.
type Text struct{}

func (*Text) Extensions() []string {
	return []string{".txt", ".text", ".csv", ".log", ".json", ".yaml", ".yml"}
}

func (*Text) Parse(r io.Reader, filename string) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	return &Result{Content: strings.TrimSpace(string(data))}, nil
}

// Markdown strips formatting markers so only prose reaches the embedder.
type Markdown struct{}

var (
	reMarkdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMarkdownItalic = regexp.MustCompile(`\*(.+?)\*`)
	reMarkdownFence  = regexp.MustCompile("```[\\s\\S]*?```")
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownImage  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMarkdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reMarkdownHTML   = regexp.MustCompile(`<[^>]+>`)
)

func (*Markdown) Extensions() []string {
	return []string{".md", ".markdown"}
}

func (*Markdown) Parse(r io.Reader, filename string) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading markdown file: %w", err)
	}

	text := string(data)
	// Keep fenced code content, drop the fence markers and language tag.
	text = reMarkdownFence.ReplaceAllStringFunc(text, func(s string) string {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	})
	text = reMarkdownImage.ReplaceAllString(text, "$1")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownBold.ReplaceAllString(text, "$1")
	text = reMarkdownItalic.ReplaceAllString(text, "$1")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reMarkdownHTML.ReplaceAllString(text, "")

	return &Result{Content: strings.TrimSpace(collapseNewlines(text))}, nil
}

// PDF extracts page text. Pages that fail to decode are skipped and the
// result is marked partial.
type PDF struct {
	logger *logging.Logger
}

func (*PDF) Extensions() []string {
	return []string{".pdf"}
}

func (p *PDF) Parse(r io.Reader, filename string) (*Result, error) {
	// The pdf reader needs io.ReaderAt plus a size.
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading pdf data: %w", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf %q: %w", filename, err)
	}

	logger := p.logger
	if logger == nil {
		logger = logging.NewNop()
	}

	pages := reader.NumPage()
	var (
		sb      strings.Builder
		partial bool
	)
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			partial = true
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Warn(context.Background(), "pdf page extraction failed",
				zap.String("file", filename), zap.Int("page", i), zap.Error(err))
			partial = true
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}

	return &Result{
		Content: strings.TrimSpace(collapseNewlines(sb.String())),
		Pages:   pages,
		Partial: partial,
	}, nil
}

// DOCX extracts run text from Word documents.
type DOCX struct{}

func (*DOCX) Extensions() []string {
	return []string{".docx"}
}

func (*DOCX) Parse(r io.Reader, filename string) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading docx data: %w", err)
	}

	reader, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening docx %q: %w", filename, err)
	}
	defer reader.Close()

	content := reader.Editable().GetContent()
	return &Result{Content: extractDocxText(content)}, nil
}

var (
	reDocxText  = regexp.MustCompile(`<w:t[^>]*>(.*?)</w:t>`)
	reDocxPara  = regexp.MustCompile(`</w:p>`)
	newlineMark = "\x1f"
)

// extractDocxText pulls the text runs out of the document XML, preserving
// paragraph breaks.
func extractDocxText(xml string) string {
	xml = reDocxPara.ReplaceAllString(xml, newlineMark)
	var sb strings.Builder
	segments := strings.Split(xml, newlineMark)
	for _, seg := range segments {
		var para strings.Builder
		for _, m := range reDocxText.FindAllStringSubmatch(seg, -1) {
			para.WriteString(html.UnescapeString(m[1]))
		}
		if text := strings.TrimSpace(para.String()); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}
	return strings.TrimSpace(sb.String())
}

var reMultiNewline = regexp.MustCompile(`\n{3,}`)

func collapseNewlines(text string) string {
	return reMultiNewline.ReplaceAllString(text, "\n\n")
}
