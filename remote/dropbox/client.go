// Package dropbox implements remote.Store over the Dropbox HTTP API v2.
//
// Content endpoints (download, upload, upload sessions) take their
// arguments as JSON in the Dropbox-API-Arg header and the payload as the
// request body. Endpoint errors arrive as HTTP 409 with a JSON body whose
// error_summary names the failure; those are mapped onto the remote
// sentinels.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strings"
	"unicode/utf16"

	"github.com/meigma/archivesync/remote"
)

const (
	// DefaultAPIURL is the base URL for RPC endpoints.
	DefaultAPIURL = "https://api.dropboxapi.com"

	// DefaultContentURL is the base URL for content endpoints.
	DefaultContentURL = "https://content.dropboxapi.com"

	// MaxChunkSize is the largest payload accepted by a single upload or
	// upload session request.
	MaxChunkSize = 150 << 20

	defaultUserAgent = "archivesync"
)

// Client is a Dropbox remote.Store.
type Client struct {
	token      string
	client     *nethttp.Client
	apiURL     string
	contentURL string
	userAgent  string
	logger     *slog.Logger
}

var _ remote.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithAPIURL overrides the RPC endpoint base URL.
func WithAPIURL(url string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimRight(url, "/")
	}
}

// WithContentURL overrides the content endpoint base URL.
func WithContentURL(url string) Option {
	return func(c *Client) {
		c.contentURL = strings.TrimRight(url, "/")
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets a logger for request debug output.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client authenticating with the given access token.
// An empty token fails with remote.ErrAuth.
func New(token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: dropbox access token is empty", remote.ErrAuth)
	}
	c := &Client{
		token:      token,
		client:     nethttp.DefaultClient,
		apiURL:     DefaultAPIURL,
		contentURL: DefaultContentURL,
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = nethttp.DefaultClient
	}
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

type writeMode struct {
	Tag string `json:".tag"`
}

func modeFor(overwrite bool) writeMode {
	if overwrite {
		return writeMode{Tag: "overwrite"}
	}
	return writeMode{Tag: "add"}
}

type commitInfo struct {
	Path       string    `json:"path"`
	Mode       writeMode `json:"mode"`
	Autorename bool      `json:"autorename"`
	Mute       bool      `json:"mute"`
}

type cursor struct {
	SessionID string `json:"session_id"`
	Offset    int64  `json:"offset"`
}

type pathArg struct {
	Path string `json:"path"`
}

type startArg struct {
	Close bool `json:"close"`
}

type startResult struct {
	SessionID string `json:"session_id"`
}

type appendArg struct {
	Cursor cursor `json:"cursor"`
	Close  bool   `json:"close"`
}

type finishArg struct {
	Cursor cursor     `json:"cursor"`
	Commit commitInfo `json:"commit"`
}

type account struct {
	AccountID string `json:"account_id"`
	Name      struct {
		DisplayName string `json:"display_name"`
	} `json:"name"`
	Email string `json:"email"`
}

// Download implements remote.Store.
func (c *Client) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := c.content(ctx, "/2/files/download", pathArg{Path: path}, nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return resp.Body, nil
}

// UploadWhole implements remote.Store.
func (c *Client) UploadWhole(ctx context.Context, path string, data []byte, overwrite bool) error {
	arg := commitInfo{Path: path, Mode: modeFor(overwrite)}
	resp, err := c.content(ctx, "/2/files/upload", arg, data)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	drain(resp)
	return nil
}

// SessionStart implements remote.Store.
func (c *Client) SessionStart(ctx context.Context, first []byte) (string, error) {
	resp, err := c.content(ctx, "/2/files/upload_session/start", startArg{}, first)
	if err != nil {
		return "", fmt.Errorf("start upload session: %w", err)
	}
	defer drain(resp)

	var res startResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("%w: decode session start: %v", remote.ErrAPI, err)
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("%w: empty session id", remote.ErrAPI)
	}
	return res.SessionID, nil
}

// SessionAppend implements remote.Store. Dropbox acknowledges an append
// without echoing the offset, so success means the full chunk was committed.
func (c *Client) SessionAppend(ctx context.Context, sessionID string, offset int64, chunk []byte) (int64, error) {
	arg := appendArg{Cursor: cursor{SessionID: sessionID, Offset: offset}}
	resp, err := c.content(ctx, "/2/files/upload_session/append_v2", arg, chunk)
	if err != nil {
		return 0, fmt.Errorf("append to upload session: %w", err)
	}
	drain(resp)
	return offset + int64(len(chunk)), nil
}

// SessionFinish implements remote.Store.
func (c *Client) SessionFinish(ctx context.Context, sessionID string, offset int64, last []byte, commit remote.Commit) error {
	arg := finishArg{
		Cursor: cursor{SessionID: sessionID, Offset: offset},
		Commit: commitInfo{Path: commit.Path, Mode: modeFor(commit.Overwrite)},
	}
	resp, err := c.content(ctx, "/2/files/upload_session/finish", arg, last)
	if err != nil {
		return fmt.Errorf("finish upload session: %w", err)
	}
	drain(resp)
	return nil
}

// ProbeIdentity implements remote.Store using users/get_current_account.
func (c *Client) ProbeIdentity(ctx context.Context) (remote.Identity, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.apiURL+"/2/users/get_current_account", nethttp.NoBody)
	if err != nil {
		return remote.Identity{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return remote.Identity{}, fmt.Errorf("get current account: %w", err)
	}
	defer drain(resp)

	var acct account
	if err := json.NewDecoder(resp.Body).Decode(&acct); err != nil {
		return remote.Identity{}, fmt.Errorf("%w: decode account: %v", remote.ErrAPI, err)
	}
	return remote.Identity{
		AccountID: acct.AccountID,
		Name:      acct.Name.DisplayName,
		Email:     acct.Email,
	}, nil
}

// content calls a content endpoint. On success the caller owns the
// response body.
func (c *Client) content(ctx context.Context, endpoint string, arg any, body []byte) (*nethttp.Response, error) {
	argHeader, err := apiArg(arg)
	if err != nil {
		return nil, err
	}
	var payload io.Reader = nethttp.NoBody
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.contentURL+endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Dropbox-API-Arg", argHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return c.do(req)
}

// do sends req with credentials and maps non-2xx responses to errors.
func (c *Client) do(req *nethttp.Request) (*nethttp.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", remote.ErrAPI, err)
	}
	c.log().Debug("dropbox request",
		"endpoint", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", resp.Header.Get("X-Dropbox-Request-Id"),
	)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer drain(resp)
	return nil, responseError(resp)
}

// apiError is the JSON error body returned by Dropbox endpoints.
type apiError struct {
	ErrorSummary string `json:"error_summary"`
	Error        struct {
		Tag           string `json:".tag"`
		CorrectOffset *int64 `json:"correct_offset"`
	} `json:"error"`
}

// responseError maps a failed response onto the remote sentinels.
func responseError(resp *nethttp.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // best-effort error body
	var body apiError
	summary := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.ErrorSummary != "" {
		summary = body.ErrorSummary
	}
	if summary == "" {
		summary = resp.Status
	}

	switch {
	case resp.StatusCode == nethttp.StatusUnauthorized, resp.StatusCode == nethttp.StatusForbidden:
		return fmt.Errorf("%w: %s", remote.ErrAuth, summary)
	case resp.StatusCode == nethttp.StatusConflict && isNotFound(summary):
		return fmt.Errorf("%w: %s", remote.ErrNotFound, summary)
	case resp.StatusCode == nethttp.StatusConflict && strings.Contains(summary, "incorrect_offset"):
		if body.Error.CorrectOffset != nil {
			return fmt.Errorf("%w: store expects offset %d", remote.ErrOffsetMismatch, *body.Error.CorrectOffset)
		}
		return fmt.Errorf("%w: %s", remote.ErrOffsetMismatch, summary)
	default:
		return fmt.Errorf("%w: %s: %s", remote.ErrAPI, resp.Status, summary)
	}
}

// isNotFound reports whether an error summary describes a missing path,
// such as "path/not_found/..".
func isNotFound(summary string) bool {
	return strings.HasPrefix(summary, "path/not_found") || strings.Contains(summary, "/not_found/")
}

// apiArg encodes v for the Dropbox-API-Arg header. HTTP headers must be
// ASCII, so every non-ASCII rune and DEL are escaped as \uXXXX.
func apiArg(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode api arg: %w", err)
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range string(raw) {
		switch {
		case r == 0x7f:
			b.WriteString(`\u007f`)
		case r < 0x80:
			b.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String(), nil
}

func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}
