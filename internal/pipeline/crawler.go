package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/statusstore"
)

// Crawl scan modes.
const (
	ScanFullPage      = "full_page"
	ScanNestedPage    = "nested_page"
	ScanSinglePage    = "single_page"
	ScanExternalLinks = "external_links"
)

// DefaultFetchTimeout bounds each page download.
const DefaultFetchTimeout = 15 * time.Second

var (
	rePDFLink  = regexp.MustCompile(`(?i)\.pdf($|[?#])`)
	reSkipFile = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|svg|ico|webp|css|js|mp4|mp3|avi|zip|gz|tar|rar|exe|dmg|woff2?)($|[?#])`)
)

// crawlRecorder is the bookkeeping surface the crawler writes to.
type crawlRecorder interface {
	IsVisited(ctx context.Context, url, taskID string) (bool, error)
	MarkVisited(ctx context.Context, url, taskID string) error
	StoreScrapedDoc(ctx context.Context, doc statusstore.ScrapedDoc) error
	AddScrapedStatus(ctx context.Context, taskID string, st statusstore.ScrapedStatus) error
	AddPDFFile(ctx context.Context, taskID string, f statusstore.PDFFile) error
	AddExternalLink(ctx context.Context, taskID string, l statusstore.ExternalLink) error
}

// Page is one fetched and text-extracted page.
type Page struct {
	URL  string
	Text string
}

// CrawlOptions selects scan mode and depth.
type CrawlOptions struct {
	Mode     string
	MaxDepth int
}

// Crawler walks a site breadth-first within one host, extracting page text
// and recording every outcome in the status store.
type Crawler struct {
	client   *http.Client
	recorder crawlRecorder
	logger   *logging.Logger
}

// NewCrawler creates a Crawler. A nil httpClient gets the default fetch
// timeout.
func NewCrawler(recorder crawlRecorder, httpClient *http.Client, logger *logging.Logger) *Crawler {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Crawler{client: httpClient, recorder: recorder, logger: logger}
}

type crawlItem struct {
	url   string
	depth int
}

// Crawl fetches startURL and follows links per the scan mode. Fetch and
// parse failures are recorded per URL and never abort the crawl.
func (c *Crawler) Crawl(ctx context.Context, startURL, taskID string, opts CrawlOptions) ([]Page, error) {
	start, err := url.Parse(startURL)
	if err != nil || start.Host == "" {
		return nil, fmt.Errorf("invalid start url %q", startURL)
	}
	if opts.Mode == "" {
		opts.Mode = ScanFullPage
	}

	var pages []Page
	queue := []crawlItem{{url: dropFragment(startURL), depth: 0}}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return pages, err
		}
		item := queue[0]
		queue = queue[1:]

		visited, err := c.recorder.IsVisited(ctx, item.url, taskID)
		if err != nil {
			c.logger.Warn(ctx, "visited check failed", zap.String("url", item.url), zap.Error(err))
		}
		if visited {
			continue
		}
		if err := c.recorder.MarkVisited(ctx, item.url, taskID); err != nil {
			c.logger.Warn(ctx, "visited mark failed", zap.String("url", item.url), zap.Error(err))
		}

		page, links := c.fetchPage(ctx, item.url, taskID, opts.Mode)
		if page != nil {
			pages = append(pages, *page)
		}
		if item.depth >= opts.MaxDepth && opts.Mode != ScanExternalLinks {
			continue
		}

		for _, link := range links {
			next := c.classifyLink(ctx, item.url, link, taskID, start, opts)
			if next == "" {
				continue
			}
			queue = append(queue, crawlItem{url: next, depth: item.depth + 1})
		}
	}
	return pages, nil
}

// fetchPage downloads one URL, stores the extracted text and returns the
// page plus its outgoing links. Failures are recorded and return nil.
func (c *Crawler) fetchPage(ctx context.Context, pageURL, taskID, mode string) (*Page, []string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		c.recordFailure(ctx, taskID, pageURL, err.Error(), "invalid url")
		return nil, nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) docbase-crawler")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(ctx, taskID, pageURL, err.Error(), "unable to fetch content")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordFailure(ctx, taskID, pageURL,
			fmt.Sprintf("http status %d", resp.StatusCode), "unable to fetch content")
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		c.recordFailure(ctx, taskID, pageURL, err.Error(), "unable to read body")
		return nil, nil
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		c.recordFailure(ctx, taskID, pageURL, err.Error(), "parsing failed")
		return nil, nil
	}

	text := strings.TrimSpace(extractText(doc))
	links := extractLinks(doc, pageURL)

	// External-link scans only harvest links, not page bodies.
	if mode == ScanExternalLinks {
		return nil, links
	}

	if text == "" {
		c.recordFailure(ctx, taskID, pageURL, "empty content after cleaning", "")
		return nil, links
	}

	err = c.recorder.StoreScrapedDoc(ctx, statusstore.ScrapedDoc{
		URL:     pageURL,
		Content: text,
		Metadata: map[string]interface{}{
			"source":  pageURL,
			"task_id": taskID,
		},
		TaskID: taskID,
	})
	if err != nil {
		c.logger.Warn(ctx, "storing scraped page failed", zap.String("url", pageURL), zap.Error(err))
	}
	if err := c.recorder.AddScrapedStatus(ctx, taskID, statusstore.ScrapedStatus{
		URL: pageURL, Status: "uploaded",
	}); err != nil {
		c.logger.Warn(ctx, "recording page status failed", zap.String("url", pageURL), zap.Error(err))
	}

	return &Page{URL: pageURL, Text: text}, links
}

// classifyLink decides what to do with one outgoing link and returns the URL
// to enqueue, or "" to skip it.
func (c *Crawler) classifyLink(ctx context.Context, parentURL, link, taskID string, start *url.URL, opts CrawlOptions) string {
	next := dropFragment(link)
	parsed, err := url.Parse(next)
	if err != nil || parsed.Host == "" {
		return ""
	}

	if rePDFLink.MatchString(next) {
		c.recordPDF(ctx, taskID, next)
		return ""
	}
	if reSkipFile.MatchString(next) {
		return ""
	}

	sameHost := parsed.Host == start.Host
	switch opts.Mode {
	case ScanExternalLinks:
		if sameHost {
			return ""
		}
		if err := c.recorder.AddExternalLink(ctx, taskID, statusstore.ExternalLink{
			ParentURL:      parentURL,
			ExternalURL:    next,
			ExternalDomain: parsed.Host,
		}); err != nil {
			c.logger.Warn(ctx, "recording external link failed", zap.String("url", next), zap.Error(err))
		}
		return ""
	case ScanNestedPage:
		if !sameHost || !strings.HasPrefix(parsed.Path, start.Path) || parsed.Path == start.Path {
			return ""
		}
		return next
	case ScanSinglePage:
		return ""
	default:
		if !sameHost {
			return ""
		}
		return next
	}
}

func (c *Crawler) recordFailure(ctx context.Context, taskID, pageURL, errMsg, reason string) {
	if err := c.recorder.AddScrapedStatus(ctx, taskID, statusstore.ScrapedStatus{
		URL: pageURL, Status: "failed", Error: errMsg, Reason: reason,
	}); err != nil {
		c.logger.Warn(ctx, "recording failure status failed", zap.String("url", pageURL), zap.Error(err))
	}
}

func (c *Crawler) recordPDF(ctx context.Context, taskID, pdfURL string) {
	parts := strings.Split(pdfURL, "/")
	if err := c.recorder.AddPDFFile(ctx, taskID, statusstore.PDFFile{
		URL: pdfURL, Filename: parts[len(parts)-1],
	}); err != nil {
		c.logger.Warn(ctx, "recording pdf link failed", zap.String("url", pdfURL), zap.Error(err))
	}
	c.recordFailure(ctx, taskID, pdfURL, "it is a PDF file", "PDF files are not scraped")
}

func dropFragment(rawURL string) string {
	if idx := strings.Index(rawURL, "#"); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

// extractText walks the DOM collecting visible text, skipping script and
// style subtrees.
func extractText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

// extractLinks resolves every anchor href against the page URL.
func extractLinks(n *html.Node, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" || attr.Val == "" || strings.HasPrefix(attr.Val, "#") {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				links = append(links, base.ResolveReference(ref).String())
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return links
}
