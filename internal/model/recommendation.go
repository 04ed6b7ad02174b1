package model

import "time"

// RecommendationStatus tracks the user workflow state of a recommendation.
// The pipeline only ever creates recommendations in the pending state;
// subsequent moves are driven by the product surface, not this core.
type RecommendationStatus string

const (
	RecStatusPending    RecommendationStatus = "pending"
	RecStatusInProgress RecommendationStatus = "in_progress"
	RecStatusCompleted  RecommendationStatus = "completed"
	RecStatusDismissed  RecommendationStatus = "dismissed"
)

// EstimatedImpact quantifies the expected effect of acting on a
// recommendation.
type EstimatedImpact struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	RiskLevel string  `json:"risk_level"`
	Timeframe string  `json:"timeframe"`
}

// Recommendation is one actionable finding produced from the facts document.
type Recommendation struct {
	ID             string               `json:"id"`
	AnalysisID     string               `json:"analysis_id"`
	TenantID       string               `json:"tenant_id"`
	Type           string               `json:"type"`
	Pillar         string               `json:"pillar"`
	Level          string               `json:"level"`
	Priority       string               `json:"priority"`
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	ActionItems    []string             `json:"action_items,omitempty"`
	AffectedSKUs   []string             `json:"affected_skus,omitempty"`
	EstimatedImpact EstimatedImpact     `json:"estimated_impact"`
	Status         RecommendationStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
}
