package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// BatchRequest is one prompt in a message batch, identified by CustomID so
// the response can be routed back to its opinion group.
type BatchRequest struct {
	CustomID string
	Prompt   string
}

// BatchStatus reports whether a submitted batch has finished processing
type BatchStatus struct {
	ID    string
	Ended bool
}

// BatchResultEntry is one per-request outcome from an ended batch
type BatchResultEntry struct {
	CustomID string
	Text     string
	Err      error
}

// BatchAPI is the surface of the message batch service the composer needs.
// The production implementation talks to the Anthropic Message Batches API;
// tests substitute a fake.
type BatchAPI interface {
	CreateBatch(ctx context.Context, model string, maxTokens int64, reqs []BatchRequest) (string, error)
	GetStatus(ctx context.Context, batchID string) (BatchStatus, error)
	Results(ctx context.Context, batchID string) ([]BatchResultEntry, error)
}

// RetryConfig holds retry configuration for batch API calls
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 3)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 30s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)

	FailureThreshold int           // Failures before opening circuit (default: 5)
	SuccessThreshold int           // Successes in half-open before closing (default: 2)
	OpenTimeout      time.Duration // How long to keep circuit open (default: 30s)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation, requests pass through
	CircuitOpen                         // Too many failures, block requests (fail fast)
	CircuitHalfOpen                     // Testing recovery, allow limited requests
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker blocks batch API calls after repeated failures so a broken
// upstream fails fast instead of burning the retry budget of every job.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow checks whether a request may proceed
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.openTimeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		return nil
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = CircuitOpen
			cb.successCount = 0
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.successCount = 0
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// retryWithBackoff executes fn with exponential backoff, respecting the
// circuit breaker. Context cancellation aborts between attempts.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, operation string, fn func(context.Context) error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if cb != nil {
			if err := cb.Allow(); err != nil {
				return fmt.Errorf("%s blocked: %w", operation, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			if cb != nil {
				cb.RecordSuccess()
			}
			return nil
		}
		lastErr = err
		if cb != nil {
			cb.RecordFailure()
		}

		if attempt < cfg.MaxRetries {
			fmt.Fprintf(os.Stderr, "%s failed (attempt %d/%d), retrying in %v: %v\n",
				operation, attempt+1, cfg.MaxRetries+1, backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxRetries+1, lastErr)
}

// AnthropicBatchAPI implements BatchAPI against the Anthropic Message
// Batches endpoint.
type AnthropicBatchAPI struct {
	client anthropic.Client
}

// NewAnthropicBatchAPI creates a batch API client from an API key
func NewAnthropicBatchAPI(apiKey string) *AnthropicBatchAPI {
	return &AnthropicBatchAPI{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// CreateBatch submits one request per group and returns the batch ID
func (a *AnthropicBatchAPI) CreateBatch(ctx context.Context, model string, maxTokens int64, reqs []BatchRequest) (string, error) {
	requests := make([]anthropic.MessageBatchNewParamsRequest, 0, len(reqs))
	for _, r := range reqs {
		requests = append(requests, anthropic.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:     anthropic.Model(model),
				MaxTokens: maxTokens,
				Messages: []anthropic.MessageParam{
					anthropic.NewUserMessage(anthropic.NewTextBlock(r.Prompt)),
				},
			},
		})
	}

	batch, err := a.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{
		Requests: requests,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic batch creation failed: %w", err)
	}
	return batch.ID, nil
}

// GetStatus reports whether the batch has ended
func (a *AnthropicBatchAPI) GetStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	batch, err := a.client.Messages.Batches.Get(ctx, batchID)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("anthropic batch lookup failed: %w", err)
	}
	return BatchStatus{
		ID:    batch.ID,
		Ended: batch.ProcessingStatus == anthropic.MessageBatchProcessingStatusEnded,
	}, nil
}

// Results streams the batch's per-request outcomes
func (a *AnthropicBatchAPI) Results(ctx context.Context, batchID string) ([]BatchResultEntry, error) {
	stream := a.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	var entries []BatchResultEntry
	for stream.Next() {
		item := stream.Current()
		entry := BatchResultEntry{CustomID: item.CustomID}
		switch result := item.Result.AsAny().(type) {
		case anthropic.MessageBatchSucceededResult:
			for _, block := range result.Message.Content {
				if block.Type == "text" {
					entry.Text += block.Text
				}
			}
		case anthropic.MessageBatchErroredResult:
			entry.Err = fmt.Errorf("request %s errored: %s", item.CustomID, result.Error.Error.Message)
		case anthropic.MessageBatchCanceledResult:
			entry.Err = fmt.Errorf("request %s canceled", item.CustomID)
		case anthropic.MessageBatchExpiredResult:
			entry.Err = fmt.Errorf("request %s expired", item.CustomID)
		default:
			entry.Err = fmt.Errorf("request %s returned unknown result type", item.CustomID)
		}
		entries = append(entries, entry)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic batch results failed: %w", err)
	}
	return entries, nil
}
