// Package fetcher performs the single upstream call todofetch exists for: GET a JSON document,
// decode it, re-encode it as compact JSON and hand the text back (or print it).
//
// The status code is never checked and nothing is retried. Whatever the upstream returns is
// decoded; if that fails the caller gets ErrDecode with the HTTP status in the message.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/todofetch/todofetch/internal/telemetry"
)

// Fetcher issues GET requests against one fixed URL.
type Fetcher struct {
	URL        string
	HTTPClient *http.Client
}

// Result is the decoded upstream response.
type Result struct {
	StatusCode int
	// Value holds the decoded body; numbers are json.Number so integers round-trip exactly.
	Value any
}

// New creates a Fetcher for url. A zero timeout leaves the client without a deadline, which is
// the HTTP client's default behaviour.
func New(url string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch performs the request and decodes the body. The status code is not inspected.
func (f *Fetcher) Fetch(ctx context.Context) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrRequest, err)
	}

	slog.Debug("fetching upstream", "url", f.URL)
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	slog.Debug("upstream responded",
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
		"content_length", resp.ContentLength,
	)

	value, err := decode(resp.Body)
	if err != nil {
		return &Result{StatusCode: resp.StatusCode}, fmt.Errorf("%w (HTTP %d): %w", ErrDecode, resp.StatusCode, err)
	}

	return &Result{StatusCode: resp.StatusCode, Value: value}, nil
}

// decode reads exactly one JSON value from r and rejects anything but whitespace after it.
func decode(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty body")
		}
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

// Encode serialises v as compact JSON without a trailing newline. HTML characters are left
// unescaped so text fields print as the upstream sent them.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// FetchJSON fetches, decodes and re-encodes the upstream document.
func (f *Fetcher) FetchJSON(ctx context.Context) ([]byte, error) {
	return f.do(ctx, nil)
}

// Run fetches the upstream document and writes it to w as a single line.
func (f *Fetcher) Run(ctx context.Context, w io.Writer) error {
	_, err := f.do(ctx, w)
	return err
}

func (f *Fetcher) do(ctx context.Context, w io.Writer) ([]byte, error) {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", f.URL)),
	)
	defer span.End()

	start := time.Now()
	out, outcome, err := f.fetchAndEncode(ctx, span)
	if err == nil && w != nil {
		// full slice expression so append never writes into out's backing array
		if _, werr := w.Write(append(out[:len(out):len(out)], '\n')); werr != nil {
			outcome = telemetry.FetchOutcomeWriteError
			err = fmt.Errorf("%w: %w", ErrWrite, werr)
		}
	}

	telemetry.FetchDuration.Observe(time.Since(start).Seconds())
	telemetry.FetchRequestsTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		slog.Debug("fetch failed", "url", f.URL, "outcome", outcome, "error", err)
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) fetchAndEncode(ctx context.Context, span trace.Span) ([]byte, string, error) {
	res, err := f.Fetch(ctx)
	if res != nil {
		span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))
	}
	if err != nil {
		if errors.Is(err, ErrDecode) {
			return nil, telemetry.FetchOutcomeDecodeError, err
		}
		return nil, telemetry.FetchOutcomeRequestError, err
	}

	out, err := Encode(res.Value)
	if err != nil {
		return nil, telemetry.FetchOutcomeEncodeError, err
	}
	return out, telemetry.FetchOutcomeSuccess, nil
}
