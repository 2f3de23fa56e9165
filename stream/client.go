package stream

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aviaryhq/aviary-go/log"
	"github.com/aviaryhq/aviary-go/transport"
)

// Event is one decoded stream event delivered to the caller.
type Event struct {
	// Type is the payload's type discriminator when the payload is
	// structured, falling back to the frame's event field.
	Type string
	// Data is the frame's joined data payload. When Structured is false it
	// is the raw text passed through unchanged.
	Data string
	// Structured reports whether Data is a well-formed JSON payload.
	Structured bool
}

// Get probes a field of a structured payload.
func (e Event) Get(path string) gjson.Result {
	return gjson.Get(e.Data, path)
}

// Options configures one streaming connection.
type Options struct {
	// Method defaults to POST when Body is non-nil, GET otherwise.
	Method string
	// Body is JSON-marshaled into the request when non-nil.
	Body any
	// OnEvent is invoked per decoded event, in receipt order.
	OnEvent func(Event)
	// OnDone is invoked once when the stream ends without error. explicit is
	// true for the [DONE] sentinel, false for a plain transport close.
	OnDone func(explicit bool)
	// OnError is invoked once on a terminal stream failure. Errors after
	// cancellation are swallowed.
	OnError func(error)
}

// Client opens one-shot streaming connections against the platform.
// The authenticated transport supplies the bearer token and the single
// refresh retry on an initial authorization failure.
type Client struct {
	transport  *transport.Client
	httpClient *http.Client
	log        *log.Logger
}

// ClientOption configures the stream client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. The client must not carry a
// timeout; streams are long-lived.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the stream client logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(client *Client) {
		client.log = l
	}
}

// NewClient creates a stream client on top of the authenticated transport.
func NewClient(t *transport.Client, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		// No timeout: a stream stays open for the whole response.
		httpClient: &http.Client{},
		log:        log.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open establishes one streaming read of path and decodes frames until the
// stream ends. The returned cancel aborts the read promptly and suppresses
// any callback not yet delivered.
//
// If the initial connection fails with an authorization error, the token is
// refreshed exactly once and the connection retried; a second authorization
// failure is terminal.
func (c *Client) Open(ctx context.Context, path string, opts Options) (context.CancelFunc, error) {
	ctx, cancelCtx := context.WithCancel(ctx)

	resp, err := c.connect(ctx, path, opts)
	if err != nil {
		if transport.IsAuthFailure(err) {
			if refreshErr := c.transport.Refresh(ctx); refreshErr == nil {
				c.log.Debug("retrying stream after token refresh", zap.String("path", path))
				resp, err = c.connect(ctx, path, opts)
			}
		}
		if err != nil {
			cancelCtx()
			return nil, err
		}
	}

	var canceled atomic.Bool
	cancel := func() {
		canceled.Store(true)
		cancelCtx()
	}

	go c.consume(resp.Body, &canceled, opts)

	return cancel, nil
}

// connect performs the initial streaming request and validates the status.
func (c *Client) connect(ctx context.Context, path string, opts Options) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
		if opts.Body != nil {
			method = http.MethodPost
		}
	}

	spec := transport.RequestSpec{Method: method, Path: path, Body: opts.Body}
	req, err := c.transport.NewStreamRequest(ctx, spec)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transport.WrapStreamError(err, "open stream")
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, transport.NewStreamStatusError(resp, body)
	}

	return resp, nil
}

// consume reads the body until close, decoding frames and delivering
// callbacks. Every delivery checks the cancellation flag first.
func (c *Client) consume(body io.ReadCloser, canceled *atomic.Bool, opts Options) {
	defer body.Close()

	var dec Decoder
	buf := make([]byte, 4096)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				if canceled.Load() {
					return
				}
				if frame.IsDone() {
					if opts.OnDone != nil {
						opts.OnDone(true)
					}
					return
				}
				if opts.OnEvent != nil {
					opts.OnEvent(decodeEvent(frame))
				}
			}
		}
		if err != nil {
			if canceled.Load() {
				return
			}
			if err == io.EOF {
				if opts.OnDone != nil {
					opts.OnDone(false)
				}
				return
			}
			if opts.OnError != nil {
				opts.OnError(transport.WrapStreamError(err, "read stream"))
			}
			return
		}
	}
}

// decodeEvent attempts the frame's payload as JSON, passing raw text through
// unchanged on failure.
func decodeEvent(frame Frame) Event {
	ev := Event{Type: frame.Event, Data: frame.Data}
	if gjson.Valid(frame.Data) && gjson.Parse(frame.Data).IsObject() {
		ev.Structured = true
		if t := gjson.Get(frame.Data, "type"); t.Exists() {
			ev.Type = t.String()
		}
	}
	return ev
}
