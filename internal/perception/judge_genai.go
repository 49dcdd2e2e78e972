package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"pulmocode/internal/correct"
	"pulmocode/internal/logging"
	"pulmocode/internal/registry"
)

// GenAIJudge is the Gemini-backed correction judge. It is purely a
// suggestion source: its output is parsed into a correct.Proposal and
// subjected to the full validation gate like any other untrusted input.
type GenAIJudge struct {
	client *genai.Client
	model  string
}

// JudgeConfig configures the judge client.
type JudgeConfig struct {
	APIKey string
	Model  string
}

// NewGenAIJudge creates the judge client.
func NewGenAIJudge(ctx context.Context, cfg JudgeConfig) (*GenAIJudge, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("judge API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create judge client: %w", err)
	}
	return &GenAIJudge{client: client, model: cfg.Model}, nil
}

const judgeSystemPrompt = `You review clinical procedure notes against a structured record.
Given a coding discrepancy, return a minimal JSON patch to the record that
would resolve it, with a verbatim quote from the note as evidence.
Respond with JSON only:
{"target_code": "...", "patch": [{"op": "add|replace|remove", "path": "dotted.path", "value": ...}],
 "evidence_quote": "verbatim text from the note", "rationale": "one sentence"}
If the note does not support any correction, respond with the literal JSON null.`

// judgeProposal mirrors the wire shape of the judge's reply.
type judgeProposal struct {
	TargetCode    string             `json:"target_code"`
	Patch         []registry.PatchOp `json:"patch"`
	EvidenceQuote string             `json:"evidence_quote"`
	Rationale     string             `json:"rationale"`
}

// Propose asks the judge for a minimal patch. A null reply, an empty reply,
// or unparseable output all mean "no proposal"; only transport errors are
// returned as errors.
func (j *GenAIJudge) Propose(ctx context.Context, noteText string, rec *registry.ClinicalRecord, discrepancy string) (*correct.Proposal, error) {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record for judge: %w", err)
	}
	prompt := fmt.Sprintf("NOTE:\n%s\n\nRECORD:\n%s\n\nDISCREPANCY:\n%s", noteText, recJSON, discrepancy)

	resp, err := j.client.Models.GenerateContent(ctx, j.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(judgeSystemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("judge call failed: %w", err)
	}

	return parseJudgeReply(resp.Text()), nil
}

// parseJudgeReply decodes the model's reply. A null reply, an empty reply, an
// unparseable reply, or a reply without patch ops all mean "no proposal";
// untrusted output never turns into an error worth failing the note over.
func parseJudgeReply(text string) *correct.Proposal {
	text = strings.TrimSpace(text)
	if text == "" || text == "null" {
		return nil
	}
	var wire judgeProposal
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		logging.Get(logging.CategoryClients).Debugw("judge reply unparseable", "error", err)
		return nil
	}
	if len(wire.Patch) == 0 {
		return nil
	}
	return &correct.Proposal{
		TargetCode:    wire.TargetCode,
		Patch:         wire.Patch,
		EvidenceQuote: wire.EvidenceQuote,
		Rationale:     wire.Rationale,
	}
}
