// Package llmclient is the shared chat/vision model boundary used by C5's
// unit tier, C6's Tier C, C7's extraction step, and C8's tool-calling
// loop. spec.md treats "the model call itself" as an external
// collaborator; this package defines the call shape those components
// compile against, backed by Gemini's structured-output API via
// google.golang.org/genai, with schema-validated retries for structured
// calls and exponential backoff on transient errors.
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"google.golang.org/genai"
)

// Request is one chat/vision completion call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Images       [][]byte // raw image bytes, e.g. PDF pages rendered to PNG
	Timeout      time.Duration
}

// Message is one turn of the conversation.
type Message struct {
	Role string // "user", "model", "tool"
	Text string
}

// Response is a free-form completion result.
type Response struct {
	Text string
}

// Client is the interface C5/C6/C7/C8 depend on. The genai-backed
// implementation is the only production implementation; tests use a
// fake satisfying this interface instead of hitting a real model.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	CompleteStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error)
}

// RetryPolicy is the exponential backoff applied uniformly to transient
// errors (spec.md §4.5 step 4, §7): 429/5xx/timeout/ECONNRESET-shaped
// errors get up to Attempts tries with BaseDelay doubling each time.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: time.Second}
}

// genaiClient wraps a *genai.Client. Model is the configured model name
// (e.g. "gemini-2.0-flash").
type genaiClient struct {
	client *genai.Client
	model  string
	retry  RetryPolicy
}

// NewClient constructs the production Client. apiKey and model come from
// pkg/config; passing an empty apiKey lets the SDK fall back to
// application-default credentials (e.g. in a Vertex AI deployment).
func NewClient(ctx context.Context, apiKey, model string, retry RetryPolicy) (Client, error) {
	cc := &genai.ClientConfig{}
	if apiKey != "" {
		cc.APIKey = apiKey
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("llmclient: create genai client: %w", err)
	}
	return &genaiClient{client: c, model: model, retry: retry}, nil
}

func (g *genaiClient) Complete(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := withRetry(ctx, g.retry, func() error {
		callCtx, cancel := withTimeout(ctx, req.Timeout)
		defer cancel()

		parts := toParts(req)
		result, err := g.client.Models.GenerateContent(callCtx, g.model, parts, nil)
		if err != nil {
			return err
		}
		resp = Response{Text: result.Text()}
		return nil
	})
	return resp, err
}

func (g *genaiClient) CompleteStructured(ctx context.Context, req Request, schema map[string]any) (json.RawMessage, error) {
	loader := gojsonschema.NewGoLoader(schema)

	var raw json.RawMessage
	attemptedCorrection := false

	err := withRetry(ctx, g.retry, func() error {
		callCtx, cancel := withTimeout(ctx, req.Timeout)
		defer cancel()

		cfg := &genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		}
		parts := toParts(req)
		result, err := g.client.Models.GenerateContent(callCtx, g.model, parts, cfg)
		if err != nil {
			return err
		}

		candidate := json.RawMessage(result.Text())
		documentLoader := gojsonschema.NewBytesLoader(candidate)
		validation, verr := gojsonschema.Validate(loader, documentLoader)
		if verr != nil {
			return fmt.Errorf("llmclient: validate structured output: %w", verr)
		}

		if validation.Valid() {
			raw = candidate
			return nil
		}

		if !attemptedCorrection {
			// Distinct from the network-level retry: one corrective
			// follow-up turn asking the model to fix its own output.
			// withRetry counts it against RetryPolicy.Attempts.
			attemptedCorrection = true
			req.Messages = append(req.Messages, Message{
				Role: "user",
				Text: fmt.Sprintf("Your previous response did not match the required schema: %v. Reply again with corrected JSON only.", validation.Errors()),
			})
			return retriableValidationError{errs: validation.Errors()}
		}

		return fmt.Errorf("llmclient: structured output failed schema validation: %v", validation.Errors())
	})

	return raw, err
}

type retriableValidationError struct {
	errs []gojsonschema.ResultError
}

func (e retriableValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.errs)
}

func toParts(req Request) []*genai.Content {
	var contents []*genai.Content
	if req.SystemPrompt != "" {
		contents = append(contents, genai.NewContentFromText(req.SystemPrompt, genai.RoleUser))
	}
	for _, m := range req.Messages {
		role := genai.RoleUser
		if m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	for _, img := range req.Images {
		contents = append(contents, genai.NewContentFromBytes(img, "image/png", genai.RoleUser))
	}
	return contents
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(ctx, d)
}

// withRetry retries fn up to policy.Attempts times with exponential
// backoff, retrying on transient errors (including the one-shot
// validation-correction signal above) and giving up immediately on
// context cancellation.
func withRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	delay := policy.BaseDelay
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if _, ok := err.(retriableValidationError); !ok && !isTransient(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		slog.Warn("llmclient: transient error, retrying", "attempt", attempt+1, "attempts", attempts, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return lastErr
}

// isTransient classifies rate limit, timeout, and connection-reset
// shaped errors as retriable per spec.md §7. It deliberately matches on
// substrings rather than typed sentinel errors because the underlying
// SDK surfaces these as plain wrapped errors.
func isTransient(err error) bool {
	msg := err.Error()
	for _, marker := range []string{
		"429", "rate limit", "RESOURCE_EXHAUSTED",
		"500", "502", "503", "504", "UNAVAILABLE", "DEADLINE_EXCEEDED",
		"timeout", "ECONNRESET", "connection reset", "network",
	} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
