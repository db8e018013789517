package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/statusstore"
)

type fakeRecorder struct {
	visited  map[string]bool
	docs     []statusstore.ScrapedDoc
	statuses []statusstore.ScrapedStatus
	pdfs     []statusstore.PDFFile
	external []statusstore.ExternalLink
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{visited: make(map[string]bool)}
}

func (f *fakeRecorder) IsVisited(ctx context.Context, url, taskID string) (bool, error) {
	return f.visited[url], nil
}

func (f *fakeRecorder) MarkVisited(ctx context.Context, url, taskID string) error {
	f.visited[url] = true
	return nil
}

func (f *fakeRecorder) StoreScrapedDoc(ctx context.Context, doc statusstore.ScrapedDoc) error {
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeRecorder) AddScrapedStatus(ctx context.Context, taskID string, st statusstore.ScrapedStatus) error {
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeRecorder) AddPDFFile(ctx context.Context, taskID string, p statusstore.PDFFile) error {
	f.pdfs = append(f.pdfs, p)
	return nil
}

func (f *fakeRecorder) AddExternalLink(ctx context.Context, taskID string, l statusstore.ExternalLink) error {
	f.external = append(f.external, l)
	return nil
}

func (f *fakeRecorder) statusOf(url string) string {
	for i := len(f.statuses) - 1; i >= 0; i-- {
		if f.statuses[i].URL == url {
			return f.statuses[i].Status
		}
	}
	return ""
}

// newTestSite serves a small site: the root links one level down, to a PDF,
// an image, and an external host.
func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
			<p>Welcome to the root page with some body text.</p>
			<a href="/docs/page1">Page one</a>
			<a href="%s/manual.pdf">Manual</a>
			<a href="/logo.png">Logo</a>
			<a href="https://elsewhere.example.com/about">External</a>
		</body></html>`, server.URL)
	})
	mux.HandleFunc("/docs/page1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<p>Page one content lives here.</p>
			<a href="/docs/page1/deep">Deeper</a>
			<a href="/">Back home</a>
		</body></html>`)
	})
	mux.HandleFunc("/docs/page1/deep", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>Deep page content.</p></body></html>`)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCrawlFullPage(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/", "task-1",
		CrawlOptions{Mode: ScanFullPage, MaxDepth: 2})
	require.NoError(t, err)

	require.Len(t, pages, 3)
	assert.Contains(t, pages[0].Text, "root page")

	// Same-host pages are uploaded, the PDF is recorded but not fetched.
	assert.Equal(t, "uploaded", rec.statusOf(site.URL+"/"))
	assert.Equal(t, "uploaded", rec.statusOf(site.URL+"/docs/page1"))
	require.Len(t, rec.pdfs, 1)
	assert.Equal(t, "manual.pdf", rec.pdfs[0].Filename)
	assert.Equal(t, "failed", rec.statusOf(site.URL+"/manual.pdf"))

	// The image and external host never show up as stored documents.
	for _, doc := range rec.docs {
		assert.NotContains(t, doc.URL, "logo.png")
		assert.NotContains(t, doc.URL, "elsewhere.example.com")
	}
}

func TestCrawlDepthLimit(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/", "task-1",
		CrawlOptions{Mode: ScanFullPage, MaxDepth: 1})
	require.NoError(t, err)

	// Depth 1 reaches page1 but not the deep page behind it.
	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		urls = append(urls, p.URL)
	}
	assert.Contains(t, urls, site.URL+"/docs/page1")
	assert.NotContains(t, urls, site.URL+"/docs/page1/deep")
}

func TestCrawlSinglePage(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/", "task-1",
		CrawlOptions{Mode: ScanSinglePage, MaxDepth: 3})
	require.NoError(t, err)

	require.Len(t, pages, 1)
	assert.Equal(t, site.URL+"/", pages[0].URL)
	// PDF links are still recorded even though nothing is followed.
	assert.Len(t, rec.pdfs, 1)
}

func TestCrawlNestedPageStaysUnderPath(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/docs/page1", "task-1",
		CrawlOptions{Mode: ScanNestedPage, MaxDepth: 3})
	require.NoError(t, err)

	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		urls = append(urls, p.URL)
	}
	// The deep page is under the start path; the site root is not.
	assert.Contains(t, urls, site.URL+"/docs/page1/deep")
	assert.NotContains(t, urls, site.URL+"/")
}

func TestCrawlExternalLinks(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/", "task-1",
		CrawlOptions{Mode: ScanExternalLinks, MaxDepth: 0})
	require.NoError(t, err)

	assert.Empty(t, pages)
	require.Len(t, rec.external, 1)
	assert.Equal(t, "https://elsewhere.example.com/about", rec.external[0].ExternalURL)
	assert.Equal(t, "elsewhere.example.com", rec.external[0].ExternalDomain)
	assert.Empty(t, rec.docs)
}

func TestCrawlRecordsFetchFailures(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/broken", "task-1",
		CrawlOptions{Mode: ScanSinglePage})
	require.NoError(t, err)

	assert.Empty(t, pages)
	assert.Equal(t, "failed", rec.statusOf(site.URL+"/broken"))
}

func TestCrawlSkipsVisitedURLs(t *testing.T) {
	site := newTestSite(t)
	rec := newFakeRecorder()
	rec.visited[site.URL+"/"] = true
	crawler := NewCrawler(rec, site.Client(), logging.NewNop())

	pages, err := crawler.Crawl(context.Background(), site.URL+"/", "task-1",
		CrawlOptions{Mode: ScanFullPage, MaxDepth: 2})
	require.NoError(t, err)
	assert.Empty(t, pages)
}

func TestCrawlInvalidStartURL(t *testing.T) {
	crawler := NewCrawler(newFakeRecorder(), nil, logging.NewNop())

	_, err := crawler.Crawl(context.Background(), "not a url", "task-1", CrawlOptions{})
	assert.Error(t, err)
}
