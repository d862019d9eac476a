package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/retry"
	"github.com/XavierBriggs/fortuna/services/risk-engine/pkg/models"
	"github.com/redis/go-redis/v9"
)

// defaultMaxLen bounds each stream; XADD trims with "~"
const defaultMaxLen = 10000

// StreamPublisher publishes recommendation batches to Redis Streams
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	retry  *retry.Policy
}

// NewStreamPublisher creates a new stream publisher
func NewStreamPublisher(client *redis.Client, stream string, policy *retry.Policy) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: defaultMaxLen,
		retry:  policy,
	}
}

// WithMaxLen overrides the approximate per-stream length bound
func (p *StreamPublisher) WithMaxLen(n int64) *StreamPublisher {
	p.maxLen = n
	return p
}

// PublishBatch publishes a batch to the global stream and, when the batch
// belongs to a user, to that user's stream
func (p *StreamPublisher) PublishBatch(ctx context.Context, batch *models.Batch) error {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	for _, streamKey := range streamKeys(p.stream, batch.UserID) {
		args := &redis.XAddArgs{
			Stream: streamKey,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"batch_id": batch.ID,
				"batch":    string(batchJSON),
			},
		}

		err := p.retry.Execute(ctx, func(ctx context.Context) error {
			return p.client.XAdd(ctx, args).Err()
		})
		if err != nil {
			return fmt.Errorf("failed to publish to stream %s: %w", streamKey, err)
		}
	}

	return nil
}

// streamKeys returns the streams a batch is written to
func streamKeys(stream, userID string) []string {
	if userID == "" {
		return []string{stream}
	}
	return []string{stream, fmt.Sprintf("%s.%s", stream, userID)}
}
