// Package kernel implements the §4.A Kernel Client: authenticating with a
// Jupyter-compatible kernel gateway, starting/stopping a kernel, and building
// the WebSocket URL + headers a Daemon Runner needs to stream protocol
// frames. It never opens the WebSocket itself — that belongs to the Daemon
// Runner, which owns the connection's lifecycle.
package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	codeerrors "github.com/codemode/daemon/errors"
	"github.com/codemode/daemon/telemetry"
)

// initRPCTimeout bounds the kernel-create round trip (spec §5: "Kernel-
// initialize RPC has a 10-second ceiling").
const initRPCTimeout = 10 * time.Second

// Client authenticates with kernel gateways and starts/stops kernels. One
// Client may be shared across daemons; it holds no per-kernel state.
type Client struct {
	// Logger receives debug/warn logs for best-effort operations (delete).
	Logger telemetry.Logger
	// Limiter rate-limits outbound kernel-create calls so a burst of daemon
	// starts cannot overwhelm a shared gateway. A nil Limiter disables
	// rate-limiting.
	Limiter *rate.Limiter
}

// NewClient returns a Client with sane defaults: a no-op logger and a
// limiter allowing 5 kernel creations/second with a burst of 5.
func NewClient() *Client {
	return &Client{
		Logger:  telemetry.NewNoopLogger(),
		Limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// Handle is the transport handle returned by CreateKernel: an authenticated
// HTTP client scoped to one kernel gateway base URL, reusable for the
// follow-up WS URL construction and the eventual DeleteKernel call.
type Handle struct {
	httpClient *http.Client
	baseURL    string
	xsrfToken  string
	password   string
	token      string
}

// Close releases the handle's HTTP transport's idle connections. Safe to
// call multiple times.
func (h *Handle) Close() {
	if h == nil || h.httpClient == nil {
		return
	}
	h.httpClient.CloseIdleConnections()
}

// CreateKernel authenticates with the gateway per the policy in §4.A (token
// beats password beats anonymous) and starts a kernel, returning a reusable
// transport handle, the query parameters to carry on subsequent requests,
// and the assigned kernel id.
func (c *Client) CreateKernel(ctx context.Context, baseURL string, token, password *string) (*Handle, map[string]string, string, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, nil, "", codeerrors.Wrap(codeerrors.KindUpstream, "rate limiter wait", err)
		}
	}

	base := normalizeBaseURL(baseURL)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, nil, "", codeerrors.Wrap(codeerrors.KindUpstream, "create cookie jar", err)
	}
	h := &Handle{
		httpClient: &http.Client{Jar: jar, Timeout: initRPCTimeout},
		baseURL:    base,
	}

	ctx, cancel := context.WithTimeout(ctx, initRPCTimeout)
	defer cancel()

	params := map[string]string{}
	switch {
	case token != nil && *token != "":
		h.token = *token
		params["token"] = *token
	case password != nil && *password != "":
		h.password = *password
		if err := h.passwordLogin(ctx, *password); err != nil {
			return nil, nil, "", err
		}
	}

	kernelID, err := h.startKernel(ctx, params)
	if err != nil {
		return nil, nil, "", err
	}
	return h, params, kernelID, nil
}

// passwordLogin performs the GET login / POST login round-trip: GET login
// captures the _xsrf cookie, POST login with {_xsrf, password} establishes
// a session cookie. Subsequent requests carry both the cookie jar and the
// X-XSRFToken header.
func (h *Handle) passwordLogin(ctx context.Context, password string) error {
	getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"login", nil)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindAuth, "build login GET", err)
	}
	resp, err := h.httpClient.Do(getReq)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindAuth, "login GET failed", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	loginURL, _ := url.Parse(h.baseURL + "login")
	var xsrf string
	for _, ck := range h.httpClient.Jar.Cookies(loginURL) {
		if ck.Name == "_xsrf" {
			xsrf = ck.Value
			break
		}
	}
	if xsrf == "" {
		return codeerrors.New(codeerrors.KindAuth, "_xsrf token not found")
	}
	h.xsrfToken = xsrf

	form := url.Values{"_xsrf": {xsrf}, "password": {password}}
	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"login", strings.NewReader(form.Encode()))
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindAuth, "build login POST", err)
	}
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	postReq.Header.Set("X-XSRFToken", xsrf)

	postResp, err := h.httpClient.Do(postReq)
	if err != nil {
		return codeerrors.Wrap(codeerrors.KindAuth, "login POST failed", err)
	}
	defer postResp.Body.Close()
	if postResp.StatusCode >= 300 && postResp.StatusCode < 400 {
		// Jupyter's login redirects on success; not an error.
	} else if postResp.StatusCode >= 400 {
		body, _ := io.ReadAll(postResp.Body)
		return codeerrors.Errorf(codeerrors.KindAuth, "login rejected: status %d: %s", postResp.StatusCode, string(body))
	}
	return nil
}

func (h *Handle) startKernel(ctx context.Context, params map[string]string) (string, error) {
	reqURL := h.baseURL + "api/kernels"
	if len(params) > 0 {
		reqURL += "?" + encodeParams(params)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", codeerrors.Wrap(codeerrors.KindUpstream, "build kernel create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", codeerrors.Wrap(codeerrors.KindUpstream, "kernel create request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", codeerrors.Errorf(codeerrors.KindUpstream, "kernel create failed: status %d: %s", resp.StatusCode, string(body))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", codeerrors.Wrap(codeerrors.KindProtocol, "decode kernel create response", err)
	}
	if created.ID == "" {
		return "", codeerrors.New(codeerrors.KindUpstream, "kernel create response missing id")
	}
	return created.ID, nil
}

// BuildWSURL constructs the WebSocket URL and any auth headers required to
// open the channels socket for kernelID. http(s) is swapped for ws(s), the
// trailing slash is normalized, and params are serialized as a query string
// when present (token auth). Password auth carries the cookie jar and
// X-XSRFToken header instead.
func (h *Handle) BuildWSURL(kernelID string, params map[string]string) (string, http.Header, error) {
	wsBase := strings.Replace(h.baseURL, "http", "ws", 1)
	wsURL := fmt.Sprintf("%sapi/kernels/%s/channels", wsBase, kernelID)
	if len(params) > 0 {
		wsURL += "?" + encodeParams(params)
	}

	headers := http.Header{}
	if h.password != "" {
		u, err := url.Parse(h.baseURL + "login")
		if err != nil {
			return "", nil, codeerrors.Wrap(codeerrors.KindUpstream, "parse base url for cookies", err)
		}
		var cookiePairs []string
		for _, ck := range h.httpClient.Jar.Cookies(u) {
			cookiePairs = append(cookiePairs, ck.Name+"="+ck.Value)
		}
		if len(cookiePairs) > 0 {
			headers.Set("Cookie", strings.Join(cookiePairs, "; "))
		}
		if h.xsrfToken != "" {
			headers.Set("X-XSRFToken", h.xsrfToken)
		}
	}
	return wsURL, headers, nil
}

// DeleteKernel best-effort deletes kernelID. Failures are logged, never
// returned: kernel teardown must never block the runner's finally path.
func (h *Handle) DeleteKernel(ctx context.Context, logger telemetry.Logger, kernelID string, params map[string]string) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	reqURL := h.baseURL + "api/kernels/" + kernelID
	if len(params) > 0 {
		reqURL += "?" + encodeParams(params)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		logger.Warn(ctx, "build kernel delete request failed", "kernel_id", kernelID, "error", err.Error())
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		logger.Warn(ctx, "kernel delete request failed", "kernel_id", kernelID, "error", err.Error())
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		logger.Warn(ctx, "kernel delete non-2xx", "kernel_id", kernelID, "status", resp.StatusCode)
	}
}

func normalizeBaseURL(base string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func encodeParams(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}
