package gmailingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// DefaultMaxEmails caps Stage 1's page-by-page sweep absent
// GMAIL_MAX_EMAILS.
const DefaultMaxEmails = 200

// DefaultConcurrencyLimit is the shared Limiter's requests-per-second
// rate (and burst) absent GMAIL_CONCURRENCY_LIMIT — shared across header
// fetches, downloads, and any other Gmail REST call this package issues.
// It limits the request rate, not the number of requests in flight.
const DefaultConcurrencyLimit = 50

// DefaultRateLimitMaxRetries is how many times a 429/403 rate-limited
// Gmail call is retried before giving up.
const DefaultRateLimitMaxRetries = 5

const rateLimitBaseDelay = 60 * time.Second

const metadataBatchSize = 100

// MessageHeader is one message's decoded Subject/From/Date, the Stage 1
// output.
type MessageHeader struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time
}

// Limiter is the process-wide Gmail request budget: a token bucket that
// admits requests at a fixed rate per second. It does not cap how many
// admitted requests are in flight at once.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a Limiter allowing burst concurrent requests per
// second, matching GMAIL_CONCURRENCY_LIMIT.
func NewLimiter(perSecond int) *Limiter {
	if perSecond <= 0 {
		perSecond = DefaultConcurrencyLimit
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Wait blocks until the limiter admits one more request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Sweeper lists inbox messages and fetches their headers under the
// shared limiter, retrying rate-limit errors with exponential backoff.
type Sweeper struct {
	svc        *gmail.Service
	limiter    *Limiter
	maxEmails  int
	maxRetries int
	log        *slog.Logger
}

func NewSweeper(svc *gmail.Service, limiter *Limiter, maxEmails, maxRetries int) *Sweeper {
	if maxEmails <= 0 {
		maxEmails = DefaultMaxEmails
	}
	if maxRetries <= 0 {
		maxRetries = DefaultRateLimitMaxRetries
	}
	return &Sweeper{svc: svc, limiter: limiter, maxEmails: maxEmails, maxRetries: maxRetries, log: slog.With("component", "gmailingest.sweep")}
}

// OnBatchReady is invoked once per completed batch of up to
// metadataBatchSize headers.
type OnBatchReady func(ctx context.Context, batch []MessageHeader) error

// Sweep lists inbox message ids (page size <= 500, capped by s.maxEmails)
// and fetches each message's headers one at a time, in id order, under
// the shared limiter, streaming completed batches to onBatchReady.
// Header fetches are not run concurrently.
func (s *Sweeper) Sweep(ctx context.Context, onBatchReady OnBatchReady) ([]MessageHeader, error) {
	ids, err := s.listMessageIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("gmailingest: list messages: %w", err)
	}

	headers := make([]MessageHeader, 0, len(ids))
	batch := make([]MessageHeader, 0, metadataBatchSize)

	for _, id := range ids {
		hdr, err := s.fetchHeader(ctx, id)
		if err != nil {
			s.log.Warn("fetch header failed", "message_id", id, "error", err)
			continue
		}
		headers = append(headers, hdr)
		batch = append(batch, hdr)

		if len(batch) >= metadataBatchSize {
			if onBatchReady != nil {
				if err := onBatchReady(ctx, batch); err != nil {
					return nil, err
				}
			}
			batch = make([]MessageHeader, 0, metadataBatchSize)
		}
	}

	if len(batch) > 0 && onBatchReady != nil {
		if err := onBatchReady(ctx, batch); err != nil {
			return nil, err
		}
	}

	return headers, nil
}

func (s *Sweeper) listMessageIDs(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < s.maxEmails {
		pageSize := int64(500)
		if remaining := int64(s.maxEmails - len(ids)); remaining < pageSize {
			pageSize = remaining
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		call := s.svc.Users.Messages.List("me").MaxResults(pageSize).Q("in:inbox")
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := callWithRetry(s, ctx, func() (*gmail.ListMessagesResponse, error) { return call.Do() })
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return ids, nil
}

func (s *Sweeper) fetchHeader(ctx context.Context, messageID string) (MessageHeader, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return MessageHeader{}, err
	}

	getCall := s.svc.Users.Messages.Get("me", messageID).Format("metadata").
		MetadataHeaders("Subject", "From", "Date")
	msg, err := callWithRetry(s, ctx, func() (*gmail.Message, error) { return getCall.Do() })
	if err != nil {
		return MessageHeader{}, err
	}

	hdr := MessageHeader{MessageID: messageID}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			hdr.Subject = decodeMIMEHeader(h.Value)
		case "From":
			hdr.From = decodeMIMEHeader(h.Value)
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				hdr.Date = t
			}
		}
	}
	return hdr, nil
}

// callWithRetry retries a Gmail call on rate-limit errors (HTTP 429, or
// 403 with reason rateLimitExceeded) with exponential backoff starting
// at rateLimitBaseDelay.
func callWithRetry[T any](s *Sweeper, ctx context.Context, do func() (T, error)) (T, error) {
	var zero T
	delay := rateLimitBaseDelay
	for attempt := 0; ; attempt++ {
		result, err := do()
		if err == nil {
			return result, nil
		}
		if !isRateLimited(err) || attempt >= s.maxRetries {
			return zero, err
		}
		s.log.Warn("gmail rate limited, backing off", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func isRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == 429 {
		return true
	}
	if gerr.Code == 403 {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}

// decodeMIMEHeader decodes RFC 2047 encoded-word headers
// (=?charset?B?...?= / =?charset?Q?...?=); malformed input is returned
// unchanged since message headers are otherwise free text.
func decodeMIMEHeader(raw string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return strings.TrimSpace(out)
}
