// Package models contains data structures used by the repository layer.
package models

import "time"

type GeneratedImage struct {
	ID         int64          `json:"id"`
	Prompt     string         `json:"prompt"`
	ImageURL   string         `json:"imageUrl"`
	UsedAPIKey string         `json:"usedApiKey"`
	Slot       int            `json:"slot"`
	CreatedAt  time.Time      `json:"createdAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type PromptHistory struct {
	ID     int64     `json:"id"`
	Prompt string    `json:"prompt"`
	UsedAt time.Time `json:"usedAt"`
}

type KeyUsage struct {
	UsedAPIKey string `json:"used_api_key"`
	Images     int    `json:"images"`
}
