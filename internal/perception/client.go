// Package perception holds the clients for the three external NLP services
// the pipeline consumes: the record extractor, the audit classifier, and the
// correction judge. All are opaque collaborators; nothing in this package
// interprets model internals, and every call carries a bounded timeout.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pulmocode/internal/auditcmp"
	"pulmocode/internal/registry"
)

// Extractor turns raw note text into a structured record.
type Extractor interface {
	Extract(ctx context.Context, noteText string) (*registry.ClinicalRecord, error)
}

// HTTPClassifier calls the classifier service over HTTP. It implements
// auditcmp.Classifier.
type HTTPClassifier struct {
	baseURL    string
	httpClient *http.Client
}

// ClassifierConfig configures the HTTP classifier client.
type ClassifierConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPClassifier builds the client with a bounded timeout.
func NewHTTPClassifier(cfg ClassifierConfig) *HTTPClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &HTTPClassifier{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Predictions []auditcmp.CodeScore `json:"predictions"`
	Error       string               `json:"error,omitempty"`
}

// Classify posts the note and returns per-code probabilities.
func (c *HTTPClassifier) Classify(ctx context.Context, noteText string) ([]auditcmp.CodeScore, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("classifier base URL not configured")
	}
	body, err := json.Marshal(classifyRequest{Text: noteText})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("classifier response read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, truncateBody(data))
	}
	var parsed classifyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("classifier response parse failed: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("classifier error: %s", parsed.Error)
	}
	return parsed.Predictions, nil
}

// HTTPExtractor calls the extractor service over HTTP.
type HTTPExtractor struct {
	baseURL    string
	httpClient *http.Client
}

// ExtractorConfig configures the HTTP extractor client.
type ExtractorConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPExtractor builds the client.
func NewHTTPExtractor(cfg ExtractorConfig) *HTTPExtractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPExtractor{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type extractRequest struct {
	Text string `json:"text"`
}

// Extract posts the note and decodes the structured record, migrating older
// schema versions forward.
func (e *HTTPExtractor) Extract(ctx context.Context, noteText string) (*registry.ClinicalRecord, error) {
	if e.baseURL == "" {
		return nil, fmt.Errorf("extractor base URL not configured")
	}
	body, err := json.Marshal(extractRequest{Text: noteText})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extractor request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extractor response read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extractor returned status %d: %s", resp.StatusCode, truncateBody(data))
	}
	rec := registry.NewRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("extractor response parse failed: %w", err)
	}
	if rec.Evidence == nil {
		rec.Evidence = registry.EvidenceIndex{}
	}
	if err := rec.Migrate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func truncateBody(data []byte) string {
	const limit = 200
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
