// Package cache stores successful provider responses keyed by the outbound
// request, so a repeated turn can skip the adapter call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"panther/internal/models"
)

// DefaultTTL applies when a cache is built with a zero TTL.
const DefaultTTL = 10 * time.Minute

// Cache is a response cache. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*models.NormalizedResponse, bool, error)
	Set(ctx context.Context, key string, resp *models.NormalizedResponse) error
	Close() error
}

// Key derives the cache key of an outbound request.
func Key(providerID, model string, packet models.PromptPacket) (string, error) {
	body, err := json.Marshal(struct {
		Provider string              `json:"provider"`
		Model    string              `json:"model"`
		Packet   models.PromptPacket `json:"packet"`
	}{providerID, model, packet})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// NoOp never stores anything.
type NoOp struct{}

func (NoOp) Get(context.Context, string) (*models.NormalizedResponse, bool, error) {
	return nil, false, nil
}
func (NoOp) Set(context.Context, string, *models.NormalizedResponse) error { return nil }
func (NoOp) Close() error                                                    { return nil }

// copyResponse detaches a cached response from the caller's.
func copyResponse(resp *models.NormalizedResponse) *models.NormalizedResponse {
	out := *resp
	if resp.Usage != nil {
		u := *resp.Usage
		out.Usage = &u
	}
	out.RawPayload = nil
	return &out
}
