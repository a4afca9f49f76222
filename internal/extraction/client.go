// Package extraction talks to the external document-extraction provider.
// Requests are fire-and-forget: the provider answers later through the
// callback endpoint.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"expense-backend/internal/apperr"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Request asks the provider to read one attachment.
type Request struct {
	AttachmentID uuid.UUID `json:"attachmentId"`
	FileURL      string    `json:"fileUrl"`
	ExpenseID    uuid.UUID `json:"expenseId"`
	RunID        uuid.UUID `json:"runId"`
	CallbackURL  string    `json:"callbackUrl"`
}

type Client interface {
	Submit(ctx context.Context, req Request) error
}

type HTTPConfig struct {
	URL    string
	APIKey string
	// Timeout bounds one attempt. When zero it is Budget split evenly over
	// the attempts, so a hung first attempt leaves room for the retries.
	Timeout time.Duration
	// Budget bounds a whole Submit, backoff included.
	Budget time.Duration
	// Retries after the first attempt for transient failures.
	Retries   int
	BaseDelay time.Duration
	// Consecutive failures before the breaker opens.
	TripAfter uint32
	OpenFor   time.Duration
}

type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewHTTPClient(cfg HTTPConfig, log *zap.Logger) *HTTPClient {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Timeout <= 0 {
		if cfg.Budget > 0 {
			cfg.Timeout = cfg.Budget / time.Duration(cfg.Retries+1)
		} else {
			cfg.Timeout = 30 * time.Second
		}
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}

	c := &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extraction",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		// A rejected request says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extraction provider returned %d: %s", e.Code, e.Body)
}

func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Submit posts req, retrying transient failures with exponential backoff.
// Every failure comes back as an ExternalService error.
func (c *HTTPClient) Submit(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return apperr.External("extraction.Submit", req.AttachmentID.String(), err)
	}
	if c.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Budget)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := fullJitter(exponential(c.cfg.BaseDelay, attempt-1))
			if err := sleepContext(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		_, lastErr = c.breaker.Execute(func() (any, error) {
			return nil, c.post(ctx, body)
		})
		if lastErr == nil {
			return nil
		}
		c.log.Warn("extraction request failed",
			zap.String("attachment_id", req.AttachmentID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
		if !transient(lastErr) || ctx.Err() != nil {
			break
		}
	}

	e := apperr.External("extraction.Submit", req.AttachmentID.String(), lastErr)
	e.Temporary = e.Temporary || transient(lastErr) || errors.Is(lastErr, gobreaker.ErrOpenState)
	return e
}

func (c *HTTPClient) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogClient stands in for the provider in development: requests are logged
// and never answered.
type LogClient struct {
	log *zap.Logger
}

func NewLogClient(log *zap.Logger) *LogClient {
	return &LogClient{log: log}
}

func (c *LogClient) Submit(ctx context.Context, req Request) error {
	c.log.Info("extraction request (no provider configured)",
		zap.String("expense_id", req.ExpenseID.String()),
		zap.String("attachment_id", req.AttachmentID.String()),
		zap.String("run_id", req.RunID.String()),
		zap.String("file_url", req.FileURL))
	return nil
}
