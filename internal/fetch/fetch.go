// Package fetch retrieves archives and files over HTTP with a deadline,
// a size ceiling and streaming progress.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/adamancini/spool/internal/progress"
)

const (
	// DefaultTimeout is used when a caller passes a zero timeout.
	DefaultTimeout = 60 * time.Second

	// indeterminateStep is how many bytes pass between indeterminate reports.
	indeterminateStep = 256 << 10
)

// Retriever downloads bytes. It never retries; a failed fetch is surfaced
// to the caller unchanged.
type Retriever struct {
	client    *http.Client
	userAgent string
	reporter  progress.Reporter
	logger    *log.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Retriever) { r.client = c }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(r *Retriever) { r.userAgent = ua }
}

// WithReporter sends download progress to rep.
func WithReporter(rep progress.Reporter) Option {
	return func(r *Retriever) { r.reporter = rep }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// New creates a Retriever.
func New(opts ...Option) *Retriever {
	r := &Retriever{
		client:    &http.Client{},
		userAgent: "spool",
		reporter:  progress.Discard,
		logger:    log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fetch downloads url into memory.
func (r *Retriever) Fetch(ctx context.Context, url string, timeout time.Duration, maxBytes int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := r.Stream(ctx, url, timeout, maxBytes, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stream downloads url into w and returns the number of bytes written.
// A maxBytes of zero or less disables the size check.
func (r *Retriever) Stream(ctx context.Context, url string, timeout time.Duration, maxBytes int64, w io.Writer) (int64, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &NetworkError{URL: url, Err: err}
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	r.logger.Debug("fetching", "url", redactURL(url), "timeout", timeout, "max_bytes", maxBytes)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, r.classify(ctx, fetchCtx, url, timeout, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &NetworkError{URL: url, StatusCode: resp.StatusCode}
	}

	total := resp.ContentLength
	if maxBytes > 0 && total > maxBytes {
		return 0, &SizeExceededError{URL: url, Limit: maxBytes, Size: total}
	}

	var body io.Reader = resp.Body
	if maxBytes > 0 {
		body = io.LimitReader(resp.Body, maxBytes+1)
	}

	pw := &progressWriter{w: w, total: total, reporter: r.reporter, last: -2}
	pw.report()
	n, err := io.Copy(pw, body)
	if err != nil {
		return n, r.classify(ctx, fetchCtx, url, timeout, err)
	}
	if maxBytes > 0 && n > maxBytes {
		return n, &SizeExceededError{URL: url, Limit: maxBytes, Size: -1}
	}
	if total < 0 {
		progress.Send(r.reporter, progress.PhaseFetching, 100, "downloaded %d bytes", n)
	}

	r.logger.Debug("fetched", "url", redactURL(url), "bytes", n)
	return n, nil
}

// classify maps a transport error onto the fetch error taxonomy. A deadline
// on our own context is a timeout; cancellation of the caller's context is
// reported as a network error wrapping context.Canceled.
func (r *Retriever) classify(parent, fetchCtx context.Context, url string, timeout time.Duration, err error) error {
	if parent.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{URL: url, Timeout: timeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && parent.Err() == nil {
		return &TimeoutError{URL: url, Timeout: timeout}
	}
	if parent.Err() != nil {
		return &NetworkError{URL: url, Err: parent.Err()}
	}
	return &NetworkError{URL: url, Err: err}
}

type progressWriter struct {
	w        io.Writer
	done     int64
	total    int64
	reporter progress.Reporter
	last     int
	mark     int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	p.report()
	return n, err
}

func (p *progressWriter) report() {
	if p.total <= 0 {
		if p.last == -2 || p.done-p.mark >= indeterminateStep {
			p.last = progress.Indeterminate
			p.mark = p.done
			progress.Send(p.reporter, progress.PhaseFetching, progress.Indeterminate, "downloaded %d bytes", p.done)
		}
		return
	}
	pct := progress.Scale(p.done, p.total, 0, 100)
	if pct == p.last {
		return
	}
	p.last = pct
	progress.Send(p.reporter, progress.PhaseFetching, pct, "downloaded %d of %d bytes", p.done, p.total)
}
