package ingest

import (
	"fmt"

	"github.com/craftedclimate/telemetry/internal/queue"
)

// Terminal rejections wrap queue.SkipRetry: the same payload can never
// succeed on a later attempt, so the queue drops the job instead of retrying.
var (
	ErrMalformedPayload = fmt.Errorf("malformed payload: %w", queue.SkipRetry)
	ErrUnknownDevice    = fmt.Errorf("unknown device: %w", queue.SkipRetry)
	ErrUnknownModel     = fmt.Errorf("unknown sensor model: %w", queue.SkipRetry)
	ErrModelMismatch    = fmt.Errorf("payload model does not match registered device: %w", queue.SkipRetry)
)
