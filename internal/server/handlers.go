package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/oakheim/docbase/internal/pipeline"
	"github.com/oakheim/docbase/internal/progress"
	"github.com/oakheim/docbase/internal/statusstore"
	"github.com/oakheim/docbase/internal/vectorstore"
)

// maxPDFBytes caps how much of a remote PDF gets buffered.
const maxPDFBytes = 50 << 20

// TaskResponse acknowledges an accepted background task.
type TaskResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleGetProgress(c echo.Context) error {
	taskID := c.QueryParam("task_id")
	if taskID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id is required")
	}

	status, err := s.progress.Get(c.Request().Context(), taskID)
	if errors.Is(err, progress.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no progress for task")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "progress lookup failed")
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleAskQuestion(c echo.Context) error {
	clientID := c.FormValue("client_id")
	question := strings.TrimSpace(c.FormValue("question"))
	sessionID := c.FormValue("session_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	if question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}

	history := s.sessions.History(sessionID)
	resp := s.asker.Ask(c.Request().Context(), question, clientID, DefaultDeptID, history)
	s.sessions.Append(sessionID, question, resp.Answer)

	return c.JSON(http.StatusOK, resp)
}

// uploadItem is one received file, buffered before the handler returns.
type uploadItem struct {
	filename string
	data     []byte
}

func (s *Server) handleUploadFiles(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	deptID := c.FormValue("dept_id")
	if deptID == "" {
		deptID = DefaultDeptID
	}
	taskID := c.FormValue("task_id")
	if taskID == "" {
		taskID = uuid.NewString()
	}
	urlUUID := c.FormValue("url_uuid")
	duplicates := splitCSV(c.FormValue("duplicate_files"))

	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form is required")
	}
	files := form.File["file"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no files provided")
	}

	// Buffer every file before responding; the request body is gone once the
	// handler returns.
	items := make([]uploadItem, 0, len(files))
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("reading %q failed", fh.Filename))
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("reading %q failed", fh.Filename))
		}
		items = append(items, uploadItem{filename: fh.Filename, data: data})
	}

	go s.ingestUploads(items, duplicates, taskID, clientID, deptID, urlUUID)

	return c.JSON(http.StatusOK, TaskResponse{
		TaskID:  taskID,
		Message: "upload accepted",
	})
}

func (s *Server) ingestUploads(items []uploadItem, duplicates []string, taskID, clientID, deptID, urlUUID string) {
	ctx := background(taskID, clientID)

	// Re-uploaded files replace their earlier chunks.
	if len(duplicates) > 0 {
		if err := s.store.DeleteDocumentsBySource(ctx, duplicates, clientID, deptID); err != nil {
			s.logger.Warn(ctx, "deleting replaced uploads failed", zap.Error(err))
		}
	}

	var docs []vectorstore.Document
	for _, item := range items {
		p, err := s.parsers.ForFile(item.filename)
		if err != nil {
			s.logger.Warn(ctx, "unsupported file skipped",
				zap.String("file", item.filename))
			continue
		}
		result, err := p.Parse(bytes.NewReader(item.data), item.filename)
		if err != nil {
			s.logger.Warn(ctx, "parsing file failed",
				zap.String("file", item.filename), zap.Error(err))
			continue
		}
		if s.statuses != nil {
			if err := s.statuses.StoreUploadDoc(ctx, statusstore.ScrapedDoc{
				URL:     item.filename,
				Content: result.Content,
				TaskID:  taskID,
				Metadata: map[string]interface{}{
					"source":    item.filename,
					"client_id": clientID,
				},
			}); err != nil {
				s.logger.Warn(ctx, "storing upload body failed",
					zap.String("file", item.filename), zap.Error(err))
			}
		}
		docs = append(docs, vectorstore.Document{
			Content: result.Content,
			Source:  item.filename,
		})
	}
	if len(docs) == 0 {
		s.failTask(ctx, taskID, "no uploaded file could be parsed")
		return
	}
	if _, err := s.ingestor.Process(ctx, docs, taskID, clientID, deptID, urlUUID); err != nil {
		s.logger.Error(ctx, "upload ingestion failed", zap.Error(err))
	}
}

func (s *Server) handleScrapeWebsite(c echo.Context) error {
	clientID := c.FormValue("client_id")
	startURL := c.FormValue("url")
	if clientID == "" || startURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id and url are required")
	}
	deptID := c.FormValue("dept_id")
	if deptID == "" {
		deptID = DefaultDeptID
	}
	taskID := c.FormValue("task_id")
	if taskID == "" {
		taskID = uuid.NewString()
	}
	mode := c.FormValue("scan_options")
	urlUUID := c.FormValue("url_uuid")
	duplicateURLs := splitCSV(c.FormValue("duplicate_urls"))

	go s.scrapeAndIngest(taskID, clientID, deptID, urlUUID, startURL, mode, duplicateURLs)

	return c.JSON(http.StatusOK, TaskResponse{
		TaskID:  taskID,
		Message: "scrape accepted",
	})
}

func (s *Server) scrapeAndIngest(taskID, clientID, deptID, urlUUID, startURL, mode string, duplicateURLs []string) {
	ctx := background(taskID, clientID)

	for _, dup := range duplicateURLs {
		if prefix := mainURL(dup); prefix != "" {
			if _, err := s.store.DeleteDocumentsByURLPattern(ctx, prefix, clientID, deptID, urlUUID); err != nil {
				s.logger.Warn(ctx, "deleting duplicate url failed",
					zap.String("url", dup), zap.Error(err))
			}
		}
	}

	pages, err := s.crawler.Crawl(ctx, startURL, taskID, pipeline.CrawlOptions{
		Mode:     mode,
		MaxDepth: s.depth,
	})
	if err != nil {
		s.failTask(ctx, taskID, err.Error())
		s.publishScrapeDetail(ctx, taskID)
		return
	}
	if len(pages) == 0 {
		s.failTask(ctx, taskID, "no pages could be scraped")
		s.publishScrapeDetail(ctx, taskID)
		return
	}

	docs := make([]vectorstore.Document, 0, len(pages))
	for _, page := range pages {
		docs = append(docs, vectorstore.Document{Content: page.Text, Source: page.URL})
	}
	if _, err := s.ingestor.Process(ctx, docs, taskID, clientID, deptID, urlUUID); err != nil {
		s.logger.Error(ctx, "scrape ingestion failed", zap.Error(err))
	}
	s.publishScrapeDetail(ctx, taskID)
}

// publishScrapeDetail republishes the terminal progress record with the
// per-URL outcomes, PDF links and external links recorded during the crawl.
func (s *Server) publishScrapeDetail(ctx context.Context, taskID string) {
	if s.statuses == nil {
		return
	}
	detail := map[string]interface{}{}

	if links, err := s.statuses.ScrapedStatuses(ctx, taskID); err == nil {
		detail["website_links"] = links
	} else {
		s.logger.Warn(ctx, "reading scrape statuses failed", zap.Error(err))
	}
	if files, err := s.statuses.PDFFiles(ctx, taskID); err == nil && len(files) > 0 {
		detail["documents_files"] = files
	}
	if external, err := s.statuses.ExternalLinks(ctx, taskID); err == nil && len(external) > 0 {
		detail["external_links"] = external
	}
	if counts, err := s.statuses.UploadedFailedCounts(ctx, taskID); err == nil {
		detail["uploaded_count"] = counts.Uploaded
		detail["failed_count"] = counts.Failed
	}

	s.publishDetail(ctx, taskID, detail)
}

// publishDetail merges detail into the task's latest progress record and
// rewrites it as terminal.
func (s *Server) publishDetail(ctx context.Context, taskID string, detail map[string]interface{}) {
	status, err := s.progress.Get(ctx, taskID)
	if err != nil {
		status = &progress.Status{TaskID: taskID, State: progress.StateComplete}
	}
	status.Percent = 100
	status.Detail = detail
	s.progress.Report(ctx, *status)
}

func (s *Server) handleProcessPDFURLs(c echo.Context) error {
	clientID := c.FormValue("client_id")
	urls := splitCSV(c.FormValue("urls"))
	if clientID == "" || len(urls) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id and urls are required")
	}
	taskID := c.FormValue("task_id")
	if taskID == "" {
		taskID = uuid.NewString()
	}

	go s.processPDFURLs(taskID, clientID, urls)

	return c.JSON(http.StatusOK, TaskResponse{
		TaskID:  taskID,
		Message: "pdf processing accepted",
	})
}

func (s *Server) processPDFURLs(taskID, clientID string, urls []string) {
	ctx := background(taskID, clientID)

	var docs []vectorstore.Document
	for _, pdfURL := range urls {
		doc, pages, err := s.fetchPDF(ctx, pdfURL)
		if err != nil {
			s.recordPDFStatus(ctx, taskID, statusstore.PDFStatus{
				URL: pdfURL, Status: "failed", Error: err.Error(),
			})
			continue
		}
		s.recordPDFStatus(ctx, taskID, statusstore.PDFStatus{
			URL: pdfURL, Status: "uploaded", Pages: pages,
		})
		docs = append(docs, *doc)
	}
	if len(docs) == 0 {
		s.failTask(ctx, taskID, "no pdf could be processed")
		s.publishPDFDetail(ctx, taskID)
		return
	}
	if _, err := s.ingestor.Process(ctx, docs, taskID, clientID, DefaultDeptID, ""); err != nil {
		s.logger.Error(ctx, "pdf ingestion failed", zap.Error(err))
	}
	s.publishPDFDetail(ctx, taskID)
}

func (s *Server) publishPDFDetail(ctx context.Context, taskID string) {
	if s.statuses == nil {
		return
	}
	detail := map[string]interface{}{}
	if records, err := s.statuses.PDFStatuses(ctx, taskID); err == nil {
		detail["uploaded_files_details"] = records
	} else {
		s.logger.Warn(ctx, "reading pdf statuses failed", zap.Error(err))
	}
	s.publishDetail(ctx, taskID, detail)
}

func (s *Server) recordPDFStatus(ctx context.Context, taskID string, st statusstore.PDFStatus) {
	if s.statuses == nil {
		return
	}
	if err := s.statuses.AddPDFStatus(ctx, taskID, st); err != nil {
		s.logger.Warn(ctx, "recording pdf status failed",
			zap.String("url", st.URL), zap.Error(err))
	}
}

func (s *Server) fetchPDF(ctx context.Context, pdfURL string) (*vectorstore.Document, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("downloading pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("reading pdf body: %w", err)
	}

	p, err := s.parsers.ForFile("document.pdf")
	if err != nil {
		return nil, 0, err
	}
	result, err := p.Parse(bytes.NewReader(data), pdfURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing pdf: %w", err)
	}
	return &vectorstore.Document{
		Content: result.Content,
		Source:  pdfURL,
	}, result.Pages, nil
}

func (s *Server) handleDeleteSource(c echo.Context) error {
	clientID := c.FormValue("client_id")
	sources := splitCSV(c.FormValue("source_names"))
	if clientID == "" || len(sources) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id and source_names are required")
	}
	urlUUID := c.FormValue("url_uuid")
	ctx := c.Request().Context()

	var deleted []string
	for _, source := range sources {
		if prefix := mainURL(source); prefix != "" {
			if _, err := s.store.DeleteDocumentsByURLPattern(ctx, prefix, clientID, DefaultDeptID, urlUUID); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError,
					fmt.Sprintf("deleting %q failed", source))
			}
			deleted = append(deleted, prefix)
			continue
		}
		if err := s.store.DeleteDocumentsBySource(ctx, []string{source}, clientID, DefaultDeptID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError,
				fmt.Sprintf("deleting %q failed", source))
		}
		deleted = append(deleted, source)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("data from sources: %s deleted successfully", strings.Join(deleted, ", ")),
		"deleted": deleted,
	})
}

func (s *Server) handleToggleSourceStatus(c echo.Context) error {
	clientID := c.FormValue("client_id")
	action := c.FormValue("action")
	sources := splitCSV(c.FormValue("source_name"))
	if clientID == "" || action == "" || len(sources) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id, action and source_name are required")
	}
	urlUUID := c.FormValue("url_uuid")
	ctx := c.Request().Context()

	var (
		moved int
		err   error
	)
	switch action {
	case "deactivate":
		moved, err = s.store.MoveSourcesToTemp(ctx, sources, clientID, DefaultDeptID, urlUUID)
	case "activate":
		moved, err = s.store.MoveSourcesFromTemp(ctx, sources, clientID, DefaultDeptID, urlUUID)
	case "deactivate_legacy", "activate_legacy":
		// Older deployments flagged points inactive in place instead of
		// moving them to the temp collection.
		err = s.store.UpdateClientID(ctx, clientID, sources,
			strings.TrimSuffix(action, "_legacy"), DefaultDeptID, urlUUID)
		moved = len(sources)
	default:
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("unknown action %q", action))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "toggling source status failed")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"action":  action,
		"sources": sources,
		"moved":   moved,
	})
}

func (s *Server) handleResetData(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	ctx := c.Request().Context()

	name, err := s.store.ResetCollection(ctx, clientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}
	s.progress.ClearHashes(ctx, clientID)

	return c.JSON(http.StatusOK, map[string]string{
		"message":    "collection reset",
		"collection": name,
	})
}

func (s *Server) handleCreateClientCollection(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}

	name, err := s.store.GetOrCreateCollection(c.Request().Context(), clientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "collection creation failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"collection": name})
}

func (s *Server) handleGetCollectionData(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}

	records, err := s.store.GetCollectionData(c.Request().Context(), clientID, c.FormValue("dept_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

func (s *Server) handleStreamCollectionData(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().WriteHeader(http.StatusOK)
	return s.store.StreamCollectionData(c.Request().Context(), clientID, c.FormValue("dept_id"), c.Response())
}

func (s *Server) handleCollectionProperties(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}

	props, err := s.store.CollectionProperties(c.Request().Context(), clientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "properties lookup failed")
	}
	return c.JSON(http.StatusOK, props)
}

func (s *Server) handleCollectionSize(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}

	size, err := s.store.CollectionSizeMB(c.Request().Context(), clientID, DefaultDeptID, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "size computation failed")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"client_id": clientID,
		"size_mb":   size,
	})
}

func (s *Server) handleCollectionSizeDetailed(c echo.Context) error {
	clientID := c.FormValue("client_id")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}

	breakdown, err := s.store.CollectionSizeDetailed(c.Request().Context(), clientID, DefaultDeptID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "size computation failed")
	}
	return c.JSON(http.StatusOK, breakdown)
}

// failTask records a terminal failed progress entry for a background task.
func (s *Server) failTask(ctx context.Context, taskID, message string) {
	s.logger.Error(ctx, "background task failed", zap.String("message", message))
	// Terminal records always read 100% so pollers stop.
	s.progress.Report(ctx, progress.Status{
		TaskID:  taskID,
		State:   progress.StateFailed,
		Percent: 100,
		Message: message,
	})
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// mainURL reduces a URL source to its scheme://host prefix; non-URL sources
// return "".
func mainURL(source string) string {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return ""
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
