package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/modelget/modelget/pkg/logging"
	"github.com/modelget/modelget/pkg/version"
)

const (
	defaultTimeout      = 30 * time.Second
	maxIdleConns        = 100
	maxIdleConnsPerHost = 16
	maxRedirects        = 10
)

var errNoAPIKey = errors.New("no API key configured")

// Config holds everything needed to build a Client. APIKey and Transport are
// excluded from the hash the registry uses to detect changes that require a
// new connection pool.
type Config struct {
	APIKey string `hash:"ignore"`
	// Timeout bounds connection setup, the wait for response headers and
	// any silence between body reads. It does not cap a whole transfer, so
	// multi-gigabyte streams are fine as long as bytes keep arriving.
	Timeout time.Duration
	Retry   RetryPolicy
	// MaxConnPerHost limits open connections per host. Zero is unlimited.
	MaxConnPerHost int
	// ResolveOverrides maps host:port to ip:port for the dialer.
	ResolveOverrides map[string]string
	UserAgent        string
	// Transport replaces the default transport; used by tests.
	Transport http.RoundTripper `hash:"ignore"`
}

func DefaultConfig() Config {
	return Config{
		Timeout: defaultTimeout,
		Retry:   DefaultRetryPolicy(),
	}
}

func (c Config) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %s", c.Timeout)
	}
	if c.MaxConnPerHost < 0 {
		return fmt.Errorf("max connections per host must be >= 0, got %d", c.MaxConnPerHost)
	}
	return c.Retry.Validate()
}

// Client performs authenticated HTTP requests with retries. A single Client
// is shared by every downloader so they all use one connection pool; it is
// safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *retryablehttp.Client
	token      atomic.Pointer[oauth2.Token]
	logger     zerolog.Logger
}

var _ oauth2.TokenSource = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		logger: logging.GetLogger(),
	}
	c.UpdateAPIKey(cfg.APIKey)

	transport := cfg.Transport
	if transport == nil {
		transport = newTransport(cfg)
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	c.httpClient = &retryablehttp.Client{
		HTTPClient: &http.Client{
			Transport:     &UserAgentTransport{Transport: transport, UserAgent: userAgent},
			CheckRedirect: c.checkRedirect,
		},
		Logger:       logging.RetryLogger{Logger: c.logger},
		RetryWaitMin: cfg.Retry.BaseDelay,
		RetryWaitMax: cfg.Retry.MaxDelay,
		RetryMax:     cfg.Retry.MaxRetries,
		CheckRetry:   cfg.Retry.CheckRetry,
		Backoff:      cfg.Retry.Backoff,
		// Hand back the last response so it can be turned into a typed error.
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return c, nil
}

func newTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: transportDialContext(&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}, cfg.ResolveOverrides),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Config returns the configuration the client was built with and its
// current API key.
func (c *Client) Config() Config {
	cfg := c.cfg
	cfg.APIKey = c.APIKey()
	return cfg
}

// UpdateAPIKey swaps the credential used for requests built from now on.
// Requests already in flight keep the header they were built with.
func (c *Client) UpdateAPIKey(key string) {
	if key == "" {
		c.token.Store(nil)
		return
	}
	c.token.Store(&oauth2.Token{AccessToken: key, TokenType: "Bearer"})
}

func (c *Client) APIKey() string {
	if tok := c.token.Load(); tok != nil {
		return tok.AccessToken
	}
	return ""
}

// Token implements oauth2.TokenSource.
func (c *Client) Token() (*oauth2.Token, error) {
	tok := c.token.Load()
	if tok == nil {
		return nil, errNoAPIKey
	}
	copied := *tok
	return &copied, nil
}

func (c *Client) CloseIdleConnections() {
	c.httpClient.HTTPClient.CloseIdleConnections()
}

// Request describes one logical HTTP call. Method defaults to GET.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Params url.Values
	Body   []byte
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

func (r Request) op() string {
	return r.method() + " " + r.URL
}

func (c *Client) newRequest(ctx context.Context, r Request) (*retryablehttp.Request, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid url: %w", r.op(), err)
	}
	if len(r.Params) > 0 {
		query := u.Query()
		for key, values := range r.Params {
			for _, v := range values {
				query.Add(key, v)
			}
		}
		u.RawQuery = query.Encode()
	}

	var body interface{}
	if r.Body != nil {
		body = r.Body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.method(), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.op(), err)
	}
	for key, values := range r.Header {
		req.Header[key] = slices.Clone(values)
	}
	if tok := c.token.Load(); tok != nil {
		tok.SetAuthHeader(req.Request)
	}
	return req, nil
}

// Do performs the request, retrying transient failures per the retry policy.
// A status of 400 or above is returned as an *Error after retries are spent;
// otherwise the caller owns the response body.
func (c *Client) Do(ctx context.Context, r Request) (*http.Response, error) {
	op := r.op()
	ctx, cancel := context.WithCancelCause(ctx)
	req, err := c.newRequest(ctx, r)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel(nil)
		if resp != nil {
			resp.Body.Close()
		}
		return nil, ClassifyError(op, err)
	}
	resp.Body = newWatchdogBody(ctx, cancel, resp.Body, c.cfg.Timeout)

	if resp.StatusCode >= http.StatusBadRequest {
		err := statusError(op, resp)
		c.logger.Debug().
			Str("op", op).
			Int("status", err.Status).
			Str("kind", err.Kind.String()).
			Msg("Request failed")
		return nil, err
	}
	return resp, nil
}

// GetJSON decodes a JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values, out interface{}) error {
	return c.doJSON(ctx, Request{
		Method: http.MethodGet,
		URL:    rawURL,
		Params: params,
		Header: http.Header{"Accept": {"application/json"}},
	}, out)
}

// PostJSON sends body as JSON and decodes the response into out, which may
// be nil when the response is not needed.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindParse, Op: http.MethodPost + " " + rawURL, Err: fmt.Errorf("encoding request body: %w", err)}
	}
	return c.doJSON(ctx, Request{
		Method: http.MethodPost,
		URL:    rawURL,
		Body:   payload,
		Header: http.Header{
			"Accept":       {"application/json"},
			"Content-Type": {"application/json"},
		},
	}, out)
}

func (c *Client) doJSON(ctx context.Context, r Request, out interface{}) error {
	op := r.op()
	resp, err := c.Do(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if contentType := resp.Header.Get("Content-Type"); !isJSONContentType(contentType) {
		return &Error{
			Kind:   KindParse,
			Op:     op,
			Status: resp.StatusCode,
			Header: resp.Header,
			Err:    fmt.Errorf("unexpected content type %q", contentType),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
			errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &Error{Kind: KindParse, Op: op, Status: resp.StatusCode, Err: err}
		}
		return ClassifyError(op, err)
	}
	return nil
}

// isJSONContentType accepts application/json, any +json suffix and a missing
// header.
func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// Stream is a response whose body is read incrementally by the caller, who
// must close Body.
type Stream struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	// URL is the final URL after redirects.
	URL  string
	Body io.ReadCloser
}

// Partial reports whether the server honoured a Range header.
func (s *Stream) Partial() bool {
	return s.StatusCode == http.StatusPartialContent
}

func (s *Stream) ContentRange() (ContentRange, error) {
	return ParseContentRange(s.Header.Get("Content-Range"))
}

// GetStream issues a GET and returns the body unread. Range requests are
// expressed through header; both 200 and 206 are successful.
func (c *Client) GetStream(ctx context.Context, rawURL string, header http.Header) (*Stream, error) {
	header = cloneHeader(header)
	// An explicit Accept-Encoding stops the transport from transparently
	// decompressing, which would break byte offsets.
	if header.Get("Accept-Encoding") == "" {
		header.Set("Accept-Encoding", "identity")
	}
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Header: header})
	if err != nil {
		return nil, err
	}
	return &Stream{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		URL:           finalURL(resp, rawURL),
		Body:          resp.Body,
	}, nil
}

// RemoteInfo is what a probe learned about a remote file. Size is -1 when
// the server did not say.
type RemoteInfo struct {
	Size         int64
	AcceptRanges bool
	ETag         string
	URL          string
}

// Head discovers the size of a remote file and whether it can be fetched in
// ranges. Servers that refuse HEAD are probed with a one-byte ranged GET.
func (c *Client) Head(ctx context.Context, rawURL string, header http.Header) (*RemoteInfo, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodHead, URL: rawURL, Header: header})
	if err != nil {
		var e *Error
		if errors.As(err, &e) && (e.Status == http.StatusMethodNotAllowed || e.Status == http.StatusNotImplemented) {
			c.logger.Debug().Str("url", rawURL).Int("status", e.Status).Msg("HEAD refused, probing with ranged GET")
			return c.probeRange(ctx, rawURL, header)
		}
		return nil, err
	}
	resp.Body.Close()
	return &RemoteInfo{
		Size:         resp.ContentLength,
		AcceptRanges: acceptsRanges(resp.Header),
		ETag:         resp.Header.Get("ETag"),
		URL:          finalURL(resp, rawURL),
	}, nil
}

func (c *Client) probeRange(ctx context.Context, rawURL string, header http.Header) (*RemoteInfo, error) {
	header = cloneHeader(header)
	header.Set("Range", RangeHeader(0, 0))
	stream, err := c.GetStream(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	// A server that ignores the range answers with the whole file. Closing
	// the body unread drops the connection instead of draining it.
	defer stream.Body.Close()

	info := &RemoteInfo{
		Size: stream.ContentLength,
		ETag: stream.Header.Get("ETag"),
		URL:  stream.URL,
	}
	if stream.Partial() {
		cr, err := stream.ContentRange()
		if err != nil {
			return nil, NewHTTPError("GET "+rawURL, stream.StatusCode, "probe: %w", err)
		}
		info.Size = cr.Total
		info.AcceptRanges = true
	}
	return info, nil
}

func acceptsRanges(header http.Header) bool {
	for _, unit := range strings.Split(header.Get("Accept-Ranges"), ",") {
		if strings.EqualFold(strings.TrimSpace(unit), "bytes") {
			return true
		}
	}
	return false
}

// finalURL is the URL of the request that produced resp, after redirects.
func finalURL(resp *http.Response, fallback string) string {
	if resp.Request == nil || resp.Request.URL == nil {
		return fallback
	}
	return resp.Request.URL.String()
}

func cloneHeader(header http.Header) http.Header {
	if header == nil {
		return make(http.Header)
	}
	return header.Clone()
}

type UserAgentTransport struct {
	Transport http.RoundTripper
	UserAgent string
}

func (t *UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.UserAgent)
	return t.Transport.RoundTrip(req)
}

// checkRedirect logs redirects and stops loops.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	c.logger.Trace().
		Str("redirect_url", req.URL.String()).
		Str("url", via[0].URL.String()).
		Int("status", req.Response.StatusCode).
		Msg("Redirect")
	return nil
}

// transportDialContext is a wrapper around net.Dialer that allows for overriding DNS lookups via the values passed to
// `--resolve` argument.
func transportDialContext(dialer *net.Dialer, overrides map[string]string) func(context.Context, string, string) (net.Conn, error) {
	// Allow for overriding DNS lookups in the dialer without impacting Host and SSL resolution
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addrOverride := overrides[addr]; addrOverride != "" {
			logger := logging.GetLogger()
			logger.Debug().Str("addr", addr).Str("override", addrOverride).Msg("DNS Override")
			addr = addrOverride
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// watchdogBody cancels the request when no bytes arrive for timeout, and
// releases the request context on Close.
type watchdogBody struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdogBody(ctx context.Context, cancel context.CancelCauseFunc, body io.ReadCloser, timeout time.Duration) *watchdogBody {
	b := &watchdogBody{ctx: ctx, cancel: cancel, body: body, timeout: timeout}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() { cancel(errStalled) })
	}
	return b
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.timer != nil && n > 0 {
		b.timer.Reset(b.timeout)
	}
	if err != nil && err != io.EOF && b.ctx.Err() != nil {
		// Report why the context ended rather than the transport's
		// generic cancellation error.
		err = context.Cause(b.ctx)
	}
	return n, err
}

func (b *watchdogBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.body.Close()
	b.cancel(nil)
	return err
}
