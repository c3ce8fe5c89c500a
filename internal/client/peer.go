package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/validate"
)

// RetryConfig controls redelivery of messages that failed with a
// retryable error.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64 // jitter, 0-1
}

// DefaultRetryConfig tries three times starting at half a second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// NoRetry delivers exactly once.
func NoRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 1}
}

// ErrMaxRetriesExceeded wraps the last failure after every attempt failed.
type ErrMaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e ErrMaxRetriesExceeded) Unwrap() error {
	return e.LastErr
}

// Peer posts messages to agent endpoints.
type Peer struct {
	HTTPClient *http.Client
	Retry      RetryConfig
	Logger     zerolog.Logger
}

// NewPeer returns a peer sender with the default retry policy. The HTTP
// timeout allows for a receiver holding the message for owner approval.
func NewPeer(logger zerolog.Logger) *Peer {
	return &Peer{
		HTTPClient: &http.Client{Timeout: access.DefaultApprovalTTL + 30*time.Second},
		Retry:      DefaultRetryConfig(),
		Logger:     logger,
	}
}

// Send delivers msg to endpoint and returns the peer's reply. Protocol
// errors come back as *models.ProtocolError; only those flagged retry,
// and transport failures, are attempted again.
func (p *Peer) Send(ctx context.Context, endpoint string, msg *models.Message) (*models.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	cfg := p.Retry
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reply, err := p.deliver(ctx, endpoint, body)
		if err == nil {
			metrics.MessagesSent.WithLabelValues(msg.Intent).Inc()
			return reply, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := jitter(delay, cfg.RandomizeFactor)
		metrics.DeliveryRetries.Inc()
		p.Logger.Warn().Err(err).
			Str("message_id", msg.MessageID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Delivery failed, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	if cfg.MaxAttempts == 1 {
		return nil, lastErr
	}
	return nil, ErrMaxRetriesExceeded{Attempts: cfg.MaxAttempts, LastErr: lastErr}
}

func (p *Peer) deliver(ctx context.Context, endpoint string, body []byte) (*models.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		reply, errResp := validate.DecodeMessage(raw)
		if errResp != nil {
			return nil, &permanentError{fmt.Errorf("invalid reply from %s: %s", endpoint, errResp.Error.Message)}
		}
		return reply, nil
	}

	errResp, err := validate.DecodeErrorResponse(raw)
	if err != nil {
		err = fmt.Errorf("peer answered %d without an error envelope", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, &permanentError{err}
	}
	return nil, errResp.AsError()
}

// permanentError marks failures that a retry cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *models.ProtocolError
	if errors.As(err, &pe) {
		return pe.Response.Error.Retry
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * factor
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
