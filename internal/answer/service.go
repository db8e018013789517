package answer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/oakheim/docbase/internal/tokens"
	"github.com/oakheim/docbase/internal/vectorstore"
)

// retriever is the read side of the vector store.
type retriever interface {
	QueryDocuments(ctx context.Context, queryText, clientID, deptID string) *vectorstore.QueryResult
}

// Response is the outcome of one question.
type Response struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Source   string `json:"source"`
	ClientID string `json:"client_id"`
	DeptID   string `json:"dept_id"`
	Cost     string `json:"cost"`
}

// degradedAnswer is returned when the model call fails; the request itself
// still succeeds.
const degradedAnswer = "An error occurred while processing the question."

// Service answers questions over a tenant's collection.
type Service struct {
	store    retriever
	answerer Answerer
	counter  *tokens.Counter
	logger   *logging.Logger
	cfg      Config
}

// NewService creates a Service.
func NewService(store retriever, answerer Answerer, counter *tokens.Counter,
	logger *logging.Logger, cfg Config) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:    store,
		answerer: answerer,
		counter:  counter,
		logger:   logger,
		cfg:      cfg,
	}
}

// Ask retrieves context for the question, trims it to the collection's
// context window and asks the model. Retrieval and model failures both
// degrade: retrieval problems fall back to the no-context prompt, model
// problems return a fixed apology answer.
func (s *Service) Ask(ctx context.Context, question, clientID, deptID string, history []Turn) *Response {
	result := s.store.QueryDocuments(ctx, question, clientID, deptID)
	contextText := s.buildContext(result)

	resp := &Response{
		Question: question,
		ClientID: clientID,
		DeptID:   deptID,
		Cost:     "0.000000",
	}

	text, usage, err := s.answerer.Answer(ctx, question, contextText, history)
	if err != nil {
		s.logger.Error(ctx, "answer generation failed",
			zap.String("client_id", clientID), zap.Error(err))
		resp.Answer = degradedAnswer
		return resp
	}

	resp.Answer, resp.Source = SplitAnswerAndSource(text)
	resp.Cost = fmt.Sprintf("%.6f",
		float64(usage.InputTokens)/1000*s.cfg.InputRatePer1K+
			float64(usage.OutputTokens)/1000*s.cfg.OutputRatePer1K)
	return resp
}

// buildContext formats retrieved chunks as "Source:<src><br /><text>" lines
// and keeps adding chunks until the collection's context window is spent.
// Chunks arrive closest-first, so truncation drops the weakest matches.
func (s *Service) buildContext(result *vectorstore.QueryResult) string {
	budget := result.Sizing.ContextWindow
	var (
		sb   strings.Builder
		used int
	)
	for i, doc := range result.Documents {
		if doc == "" {
			continue
		}
		source := "Unknown"
		if i < len(result.Metadatas) {
			if v, ok := result.Metadatas[i]["source"].(string); ok && v != "" {
				source = v
			}
		}
		entry := fmt.Sprintf("Source:%s<br />%s", source, doc)

		cost := s.counter.Count(entry)
		if used+cost > budget && used > 0 {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(entry)
		used += cost
	}
	return sb.String()
}
