package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"mocktest-ai/internal/keypool"
)

const (
	requestTimeout = 3 * time.Minute
	retryBackoff   = 2 * time.Second
)

// GeneratorService performs chat completion calls against an
// OpenAI-compatible endpoint, drawing credentials from the key pool. A quota
// or rate-limit failure retires the credential and the call is repeated with
// the job's reassigned key; other transport failures are retried with
// exponential backoff on a separate, independent budget.
type GeneratorService struct {
	pool       *keypool.Pool
	model      string
	endpoint   string
	maxRetries int
}

func NewGeneratorService(pool *keypool.Pool, model, endpoint string, maxRetries int) *GeneratorService {
	return &GeneratorService{
		pool:       pool,
		model:      model,
		endpoint:   endpoint,
		maxRetries: maxRetries,
	}
}

func (s *GeneratorService) clientFor(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if s.endpoint != "" {
		cfg.BaseURL = s.endpoint
	}
	return openai.NewClientWithConfig(cfg)
}

// Generate runs one generation round-trip for jobID. Quota failover happens
// inside a single attempt and does not consume a transport retry. A pool
// exhausted error is terminal for the job and returned immediately.
func (s *GeneratorService) Generate(ctx context.Context, jobID int, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			wait := retryBackoff << (attempt - 1)
			log.Printf("job %d: retrying generation in %s (attempt %d/%d)", jobID, wait, attempt+1, s.maxRetries+1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		content, err := s.generateOnce(ctx, jobID, system, user)
		if err == nil {
			return content, nil
		}
		if errors.Is(err, keypool.ErrPoolExhausted) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", s.maxRetries+1, lastErr)
}

func (s *GeneratorService) generateOnce(ctx context.Context, jobID int, system, user string) (string, error) {
	for {
		assignment, err := s.pool.Get(jobID)
		if errors.Is(err, keypool.ErrNoAssignment) {
			assignment, err = s.pool.Assign(jobID)
		}
		if err != nil {
			return "", err
		}

		content, err := s.complete(ctx, assignment.Key, system, user)
		if err != nil {
			if IsQuotaError(err) {
				log.Printf("job %d: key %d hit its quota, failing over", jobID, assignment.Index)
				s.pool.MarkFailed(assignment.Index)
				continue
			}
			return "", err
		}

		s.pool.RecordSuccess(assignment.Index)
		return content, nil
	}
}

func (s *GeneratorService) complete(ctx context.Context, key, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: system,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: user,
			},
		},
		Temperature: 0.4,
		MaxTokens:   4096,
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := s.clientFor(key).CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// IsQuotaError reports whether a generation failure means the credential is
// out of quota or rate limited, as opposed to a transient transport problem.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode == 402 {
			return true
		}
		if code, ok := apiErr.Code.(string); ok {
			switch code {
			case "insufficient_quota", "rate_limit_exceeded", "billing_hard_limit_reached":
				return true
			}
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == 429 {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"quota", "rate limit", "rate_limit", "resource_exhausted", "too many requests"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
