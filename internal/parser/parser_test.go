package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakheim/docbase/internal/logging"
)

func TestRegistryResolvesByExtension(t *testing.T) {
	reg := NewRegistry(logging.NewNop())

	tests := []struct {
		filename string
		want     interface{}
	}{
		{"notes.txt", &Text{}},
		{"data.CSV", &Text{}},
		{"readme.md", &Markdown{}},
		{"guide.MARKDOWN", &Markdown{}},
		{"report.pdf", &PDF{}},
		{"letter.docx", &DOCX{}},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			p, err := reg.ForFile(tt.filename)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}
}

func TestRegistryUnknownExtension(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.ForFile("archive.tar.gz")
	assert.Error(t, err)
	_, err = reg.ForFile("noextension")
	assert.Error(t, err)
}

func TestTextParse(t *testing.T) {
	p := &Text{}
	res, err := p.Parse(strings.NewReader("  hello world\n"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Content)
	assert.False(t, res.Partial)
}

func TestMarkdownParseStripsFormatting(t *testing.T) {
	input := "# Title\n\nSome **bold** and *italic* and `inline` text.\n\n" +
		"```go\nfunc main() {}\n```\n\n" +
		"A [link](https://example.com) and ![image](pic.png).\n"

	p := &Markdown{}
	res, err := p.Parse(strings.NewReader(input), "readme.md")
	require.NoError(t, err)

	assert.NotContains(t, res.Content, "#")
	assert.NotContains(t, res.Content, "**")
	assert.NotContains(t, res.Content, "```")
	assert.NotContains(t, res.Content, "https://example.com")
	assert.Contains(t, res.Content, "Title")
	assert.Contains(t, res.Content, "Some bold and italic and inline text.")
	assert.Contains(t, res.Content, "func main() {}")
	assert.Contains(t, res.Content, "A link and image.")
}

func TestMarkdownCollapsesBlankRuns(t *testing.T) {
	p := &Markdown{}
	res, err := p.Parse(strings.NewReader("one\n\n\n\n\ntwo"), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo", res.Content)
}

func TestPDFParseRejectsGarbage(t *testing.T) {
	p := &PDF{logger: logging.NewNop()}
	_, err := p.Parse(strings.NewReader("this is not a pdf"), "broken.pdf")
	assert.Error(t, err)
}

func TestDOCXParseRejectsGarbage(t *testing.T) {
	p := &DOCX{}
	_, err := p.Parse(strings.NewReader("this is not a docx"), "broken.docx")
	assert.Error(t, err)
}

func TestExtractDocxText(t *testing.T) {
	xml := `<w:document><w:body>` +
		`<w:p><w:r><w:t>Hello </w:t></w:r><w:r><w:t xml:space="preserve">world</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Second &amp; third</w:t></w:r></w:p>` +
		`<w:p></w:p>` +
		`</w:body></w:document>`

	text := extractDocxText(xml)
	assert.Equal(t, "Hello world\nSecond & third", text)
}

func TestSupportedCoversCoreFormats(t *testing.T) {
	reg := NewRegistry(nil)
	supported := reg.Supported()
	for _, ext := range []string{".txt", ".md", ".pdf", ".docx"} {
		assert.Contains(t, supported, ext)
	}
}
