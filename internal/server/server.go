// Package server exposes the HTTP API. Ingestion endpoints return a task id
// immediately and do the work in the background; progress is polled via
// GET /get_progress.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/oakheim/docbase/internal/answer"
	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/parser"
	"github.com/oakheim/docbase/internal/pipeline"
	"github.com/oakheim/docbase/internal/progress"
	"github.com/oakheim/docbase/internal/statusstore"
	"github.com/oakheim/docbase/internal/vectorstore"
)

// DefaultDeptID is assumed when a request does not name a department.
const DefaultDeptID = "public"

// Collections is the vector store surface the handlers drive.
type Collections interface {
	GetOrCreateCollection(ctx context.Context, clientID string) (string, error)
	ResetCollection(ctx context.Context, clientID string) (string, error)
	DeleteDocumentsBySource(ctx context.Context, sources []string, clientID, deptID string) error
	DeleteDocumentsByURLPattern(ctx context.Context, urlPrefix, clientID, deptID, urlCorrelationID string) (int, error)
	MoveSourcesToTemp(ctx context.Context, sources []string, clientID, deptID, urlCorrelationID string) (int, error)
	MoveSourcesFromTemp(ctx context.Context, sources []string, clientID, deptID, urlCorrelationID string) (int, error)
	UpdateClientID(ctx context.Context, clientID string, sources []string, action, deptID, urlCorrelationID string) error
	GetCollectionData(ctx context.Context, clientID, deptID string) ([]vectorstore.CollectionRecord, error)
	StreamCollectionData(ctx context.Context, clientID, deptID string, w io.Writer) error
	CollectionSizeMB(ctx context.Context, clientID, deptID string, sources []string) (float64, error)
	CollectionSizeDetailed(ctx context.Context, clientID, deptID string) (*vectorstore.SizeBreakdown, error)
	CollectionProperties(ctx context.Context, clientID string) (*vectorstore.Properties, error)
}

// Ingestor feeds parsed documents through the chunking pipeline.
type Ingestor interface {
	Process(ctx context.Context, docs []vectorstore.Document, taskID, clientID, deptID, urlCorrelationID string) (*pipeline.Summary, error)
}

// SiteCrawler walks a website and returns its pages.
type SiteCrawler interface {
	Crawl(ctx context.Context, startURL, taskID string, opts pipeline.CrawlOptions) ([]pipeline.Page, error)
}

// ProgressStore reads and writes task progress and tenant content hashes.
type ProgressStore interface {
	Report(ctx context.Context, status progress.Status)
	Get(ctx context.Context, taskID string) (*progress.Status, error)
	ClearHashes(ctx context.Context, clientID string)
}

// Asker answers questions over a tenant's collection.
type Asker interface {
	Ask(ctx context.Context, question, clientID, deptID string, history []answer.Turn) *answer.Response
}

// TaskStatus records and reads per-item outcomes of ingestion tasks. The
// read side feeds the terminal progress record.
type TaskStatus interface {
	AddPDFStatus(ctx context.Context, taskID string, st statusstore.PDFStatus) error
	StoreUploadDoc(ctx context.Context, doc statusstore.ScrapedDoc) error
	ScrapedStatuses(ctx context.Context, taskID string) ([]statusstore.ScrapedStatus, error)
	PDFFiles(ctx context.Context, taskID string) ([]statusstore.PDFFile, error)
	ExternalLinks(ctx context.Context, taskID string) ([]statusstore.ExternalLink, error)
	PDFStatuses(ctx context.Context, taskID string) ([]statusstore.PDFStatus, error)
	UploadedFailedCounts(ctx context.Context, taskID string) (statusstore.Counts, error)
}

// Config holds HTTP server settings.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Server wires the HTTP surface to the services.
type Server struct {
	echo     *echo.Echo
	logger   *logging.Logger
	cfg      Config
	store    Collections
	ingestor Ingestor
	crawler  SiteCrawler
	progress ProgressStore
	asker    Asker
	parsers  *parser.Registry
	statuses TaskStatus
	sessions *Sessions
	fetch    *http.Client
	depth    int
}

// Deps bundles the service dependencies of the server.
type Deps struct {
	Store    Collections
	Ingestor Ingestor
	Crawler  SiteCrawler
	Progress ProgressStore
	Asker    Asker
	Parsers  *parser.Registry
	Statuses TaskStatus

	// FetchClient downloads PDF URLs; nil gets a 15s-timeout default.
	FetchClient *http.Client

	// CrawlDepth bounds link following during website scrapes; zero or
	// negative means the default of 2.
	CrawlDepth int
}

const defaultCrawlDepth = 2

// NewServer creates the HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg Config) (*Server, error) {
	if deps.Store == nil || deps.Ingestor == nil || deps.Progress == nil {
		return nil, fmt.Errorf("store, ingestor and progress are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if deps.FetchClient == nil {
		deps.FetchClient = &http.Client{Timeout: pipeline.DefaultFetchTimeout}
	}
	if deps.CrawlDepth <= 0 {
		deps.CrawlDepth = defaultCrawlDepth
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		logger:   logger,
		cfg:      cfg,
		store:    deps.Store,
		ingestor: deps.Ingestor,
		crawler:  deps.Crawler,
		progress: deps.Progress,
		asker:    deps.Asker,
		parsers:  deps.Parsers,
		statuses: deps.Statuses,
		sessions: NewSessions(),
		fetch:    deps.FetchClient,
		depth:    deps.CrawlDepth,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/get_progress", s.handleGetProgress)

	s.echo.POST("/ask_question", s.handleAskQuestion)
	s.echo.POST("/upload_files", s.handleUploadFiles)
	s.echo.POST("/scrape_website", s.handleScrapeWebsite)
	s.echo.POST("/process_pdf_urls", s.handleProcessPDFURLs)
	s.echo.POST("/delete_source", s.handleDeleteSource)
	s.echo.POST("/toggle_source_status", s.handleToggleSourceStatus)
	s.echo.POST("/reset_data", s.handleResetData)
	s.echo.POST("/create_client_collection", s.handleCreateClientCollection)
	s.echo.POST("/get_collection_data", s.handleGetCollectionData)
	s.echo.POST("/get_collection_streaming_data", s.handleStreamCollectionData)
	s.echo.POST("/collection_properties", s.handleCollectionProperties)
	s.echo.POST("/collection_size", s.handleCollectionSize)
	s.echo.POST("/collection_size_detailed", s.handleCollectionSizeDetailed)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Sessions exposes the conversation store for maintenance sweeps.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// background builds the detached context ingestion goroutines run on,
// carrying the task and client identity for logging.
func background(taskID, clientID string) context.Context {
	ctx := context.Background()
	ctx = logging.WithTaskID(ctx, taskID)
	return logging.WithClientID(ctx, clientID)
}
