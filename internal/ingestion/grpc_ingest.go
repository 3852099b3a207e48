package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PerpVAMM/internal/core"
)

// ErrInvalidCommand wraps payloads that cannot be parsed into a command.
var ErrInvalidCommand = errors.New("invalid command")

// GRPCIngestService submits commands arriving over gRPC or HTTP. It is the
// low-volume path for admin and manual submission; producers with volume
// publish to NATS.
type GRPCIngestService struct {
	submit  chan<- core.Submission
	timeout time.Duration
}

func NewGRPCIngestService(submit chan<- core.Submission, timeout time.Duration) *GRPCIngestService {
	return &GRPCIngestService{submit: submit, timeout: timeout}
}

// Submit parses a named command payload and waits for the core's answer.
func (s *GRPCIngestService) Submit(ctx context.Context, typeName string, payload []byte) (core.Result, error) {
	received := time.Now()
	cmd, err := ParseNamed(typeName, payload)
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return core.Submit(ctx, s.submit, cmd, received)
}
