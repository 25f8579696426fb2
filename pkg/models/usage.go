package models

import "time"

// UsageRecord captures token and cost accounting for a single agent call.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Agent        AgentName `json:"agent"`
	Iteration    int       `json:"iteration"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Provider     string    `json:"provider"`
}

// AgentTotals aggregates usage for one agent across all iterations.
type AgentTotals struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Usage is the aggregate behind .tumbler/usage.json.
type Usage struct {
	TotalInputTokens  int                        `json:"total_input_tokens"`
	TotalOutputTokens int                        `json:"total_output_tokens"`
	TotalCost         float64                    `json:"total_cost"`
	PerAgent          map[AgentName]*AgentTotals `json:"per_agent"`
	History           []UsageRecord              `json:"history"`
}

// Add folds one record into the aggregate totals and history.
func (u *Usage) Add(rec UsageRecord) {
	u.TotalInputTokens += rec.InputTokens
	u.TotalOutputTokens += rec.OutputTokens
	u.TotalCost += rec.Cost
	if u.PerAgent == nil {
		u.PerAgent = make(map[AgentName]*AgentTotals)
	}
	totals := u.PerAgent[rec.Agent]
	if totals == nil {
		totals = &AgentTotals{}
		u.PerAgent[rec.Agent] = totals
	}
	totals.Calls++
	totals.InputTokens += rec.InputTokens
	totals.OutputTokens += rec.OutputTokens
	totals.Cost += rec.Cost
	u.History = append(u.History, rec)
}
