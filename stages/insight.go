package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/avaskys/reportpipe/pipeline"
	"google.golang.org/genai"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

// AIError is an insight-provider failure.
type AIError struct {
	Model string
	Err   error
}

func (e *AIError) Error() string { return fmt.Sprintf("insight %s: %v", e.Model, e.Err) }
func (e *AIError) Unwrap() error { return e.Err }

// Analyzer turns a dataset summary into narrative insights via the Gemini
// API.
type Analyzer struct {
	client *genai.Client
	model  string
}

// NewAnalyzer creates an analyzer. Model defaults to DefaultModel when empty.
func NewAnalyzer(ctx context.Context, apiKey, model string) (*Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("insight: API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("insight: create client: %w", err)
	}
	return &Analyzer{client: client, model: model}, nil
}

// Summarize sends the dataset summary to the model and returns the narrative
// analysis. Rate limits, provider outages, and timeouts come back marked
// transient; everything else permanent.
func (a *Analyzer) Summarize(ctx context.Context, s Summary) (string, error) {
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", pipeline.Permanent(&AIError{Model: a.model, Err: err})
	}
	prompt := buildAnalysisPrompt(string(payload))

	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), nil)
	if err != nil {
		return "", classifyProviderError(&AIError{Model: a.model, Err: err})
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", pipeline.Transient(&AIError{Model: a.model, Err: fmt.Errorf("empty response")})
	}
	return text, nil
}

// Model returns the configured model name.
func (a *Analyzer) Model() string { return a.model }

// NewInsightStage returns the insight stage: it reads the Summary produced by
// inputKey and outputs the narrative text.
func NewInsightStage(name, inputKey string, a *Analyzer) pipeline.Stage {
	return pipeline.NewStage(name, func(ctx context.Context, ec *pipeline.Context) (any, error) {
		s, ok := pipeline.Value[Summary](ec, inputKey)
		if !ok {
			return nil, pipeline.Permanent(&AIError{
				Model: a.model,
				Err:   fmt.Errorf("no summary under key %q", inputKey),
			})
		}
		return a.Summarize(ctx, s)
	})
}

// classifyProviderError marks rate limits, provider outages, and deadline
// expiry transient; auth and malformed-request failures stay permanent.
func classifyProviderError(err *AIError) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err // the executor's classifier already handles these
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return pipeline.Transient(err)
		}
		return pipeline.Permanent(err)
	}
	// Transport-level failure with no HTTP status: worth another attempt.
	return pipeline.Transient(err)
}

func buildAnalysisPrompt(summary string) string {
	var b strings.Builder
	b.WriteString("You are a senior data consultant preparing an executive report.\n\n")
	b.WriteString("DATASET SUMMARY:\n")
	b.WriteString(summary)
	b.WriteString("\n\nINSTRUCTIONS:\n")
	b.WriteString("- Provide deep, actionable insights grounded in the summary statistics only\n")
	b.WriteString("- Focus on patterns, trends, correlations, outliers, and business implications\n")
	b.WriteString("- Do not restate the dataset; analyze it\n")
	b.WriteString("- Do not speculate beyond what the data shows\n\n")
	b.WriteString("REQUIRED SECTIONS:\n")
	b.WriteString("1. Key Statistical Findings\n")
	b.WriteString("2. Notable Patterns & Trends\n")
	b.WriteString("3. Anomalies & Outliers\n")
	b.WriteString("4. Business Implications\n")
	b.WriteString("5. Recommended Actions\n")
	return b.String()
}
