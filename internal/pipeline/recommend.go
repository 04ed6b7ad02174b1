package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/model"
	"github.com/stockintel/analysis-cli/pkg/anthropic"
)

const recommendSystemText = "You are an inventory strategy advisor. Return valid JSON matching the requested shape. Base every recommendation strictly on the facts document; never invent figures."

const recommendPrompt = `Produce actionable inventory recommendations from the facts document below. The facts document is the only view of the dataset you will receive.

Facts document:
%s

Strategic intent:
%s

Return a valid JSON object:
{"recommendations": [{"type": "<category>", "pillar": "<business pillar>", "level": "<sku|category|supplier|global>", "priority": "<high|medium|low>", "title": "<short title>", "description": "<what and why>", "action_items": ["<step>"], "affected_skus": ["<sku>"], "estimated_impact": {"amount": <number>, "currency": "<ISO code>", "risk_level": "<low|medium|high>", "timeframe": "<e.g. 90 days>"}}]}

Return at most %d recommendations.`

// maxRecommendations bounds the list accepted from one generation call.
const maxRecommendations = 20

type recommendationResponse struct {
	Recommendations []recommendationWire `json:"recommendations"`
}

type recommendationWire struct {
	Type            string                `json:"type"`
	Pillar          string                `json:"pillar"`
	Level           string                `json:"level"`
	Priority        string                `json:"priority"`
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	ActionItems     []string              `json:"action_items"`
	AffectedSKUs    []string              `json:"affected_skus"`
	EstimatedImpact model.EstimatedImpact `json:"estimated_impact"`
}

// generateRecommendations calls the model in creative mode with the facts
// document only. The request payload is bounded by the facts size, never by
// the row count; raw rows must not reach this stage.
func (p *Pipeline) generateRecommendations(ctx context.Context, analysisID, tenantID string, facts map[string]any, intent string) ([]model.Recommendation, error) {
	req, err := buildRecommendRequest(p.cfg.Anthropic.RecommendModel, p.cfg.Anthropic.MaxTokens, facts, intent)
	if err != nil {
		return nil, err
	}

	resp, err := p.ai.CreateMessage(ctx, *req)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: recommendation call")
	}
	resp.Usage.LogCost(req.Model, "recommendations")

	return parseRecommendations(resp.Text(), analysisID, tenantID)
}

// buildRecommendRequest assembles the creative-mode request from the facts
// document and the strategic prompt.
func buildRecommendRequest(recModel string, maxTokens int64, facts map[string]any, intent string) (*anthropic.MessageRequest, error) {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: marshal facts")
	}

	req := anthropic.MessageRequest{
		Model:     recModel,
		MaxTokens: maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(recommendSystemText),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(recommendPrompt, string(factsJSON), intent, maxRecommendations),
		}},
	}
	req.Creative()
	return &req, nil
}

// parseRecommendations fail-closed parses the model output into
// recommendation records ready for bulk insert.
func parseRecommendations(text, analysisID, tenantID string) ([]model.Recommendation, error) {
	var wire recommendationResponse
	if err := decodeStrict(text, &wire); err != nil {
		return nil, err
	}
	if len(wire.Recommendations) == 0 {
		return nil, eris.New("pipeline: recommendation response is empty")
	}
	if len(wire.Recommendations) > maxRecommendations {
		return nil, eris.Errorf("pipeline: recommendation count %d exceeds bound %d",
			len(wire.Recommendations), maxRecommendations)
	}

	now := time.Now().UTC()
	recs := make([]model.Recommendation, 0, len(wire.Recommendations))
	for i, w := range wire.Recommendations {
		if w.Title == "" || w.Type == "" {
			return nil, eris.Errorf("pipeline: recommendation %d missing type or title", i+1)
		}
		recs = append(recs, model.Recommendation{
			ID:              uuid.New().String(),
			AnalysisID:      analysisID,
			TenantID:        tenantID,
			Type:            w.Type,
			Pillar:          w.Pillar,
			Level:           w.Level,
			Priority:        w.Priority,
			Title:           w.Title,
			Description:     w.Description,
			ActionItems:     w.ActionItems,
			AffectedSKUs:    w.AffectedSKUs,
			EstimatedImpact: w.EstimatedImpact,
			Status:          model.RecStatusPending,
			CreatedAt:       now,
		})
	}
	return recs, nil
}
