package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DragonSecurity/ferry/pkg/bare"
	"github.com/DragonSecurity/ferry/pkg/util"
)

// preservedHeaders ride the wrapper response verbatim so intermediaries and
// the caller's HTTP stack handle the body correctly.
var preservedHeaders = []string{"Content-Type", "Content-Length", "Content-Encoding"}

type handler struct {
	client       *http.Client
	fetchTimeout time.Duration
	log          *util.Logger
}

func newHandler(cfg Config, log *util.Logger) *handler {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &handler{
		client: &http.Client{
			// The caller must see raw redirects: following them here would
			// hide cross-origin redirect targets.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		fetchTimeout: timeout,
		log:          log,
	}
}

// resolveTarget extracts the target URL from sidecar metadata: a direct
// x-bare-url, the host/port/protocol/path triple, or (for tunnel callers
// that cannot set headers) a scrambled ?target= token.
func resolveTarget(r *http.Request) (*url.URL, *bare.RequestError) {
	raw := r.Header.Get(bare.HeaderURL)
	if raw == "" {
		if token := r.URL.Query().Get("target"); token != "" {
			decoded, err := bare.DecodeURL(token)
			if err != nil {
				return nil, bare.NewRequestError(bare.CodeMissingURL, "malformed target token")
			}
			raw = decoded
		}
	}
	if raw == "" {
		host := r.Header.Get(bare.HeaderHost)
		proto := strings.TrimSuffix(r.Header.Get(bare.HeaderProtocol), ":")
		if host == "" || proto == "" {
			return nil, bare.NewRequestError(bare.CodeMissingURL, "request is missing a target url")
		}
		port := r.Header.Get(bare.HeaderPort)
		path := r.Header.Get(bare.HeaderPath)
		if path == "" {
			path = "/"
		}
		raw = proto + "://" + host
		if port != "" {
			raw += ":" + port
		}
		raw += path
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, bare.NewRequestError(bare.CodeMissingURL, "target url does not parse")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, bare.NewRequestError(bare.CodeUnsupportedProtocol, "protocol "+u.Scheme+" is not relayable")
	}
	return u, nil
}

// sidecarHeaders parses x-bare-headers strictly: present-but-malformed is a
// caller error, absent is legal.
func sidecarHeaders(r *http.Request) (map[string]string, *bare.RequestError) {
	v := r.Header.Get(bare.HeaderHeaders)
	if v == "" {
		return map[string]string{}, nil
	}
	var raw map[string]string
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return nil, bare.NewRequestError(bare.CodeInvalidHeaders, "x-bare-headers is not a JSON object")
	}
	return bare.DecodeHeaders(v), nil
}

func (h *handler) serveFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		metricRequestsTotal.WithLabelValues(r.Method, outcome).Inc()
		metricRequestDuration.WithLabelValues(r.Method, outcome).Observe(time.Since(start).Seconds())
	}()

	target, reqErr := resolveTarget(r)
	if reqErr != nil {
		outcome = "bad_request"
		bare.WriteError(w, http.StatusBadRequest, reqErr)
		return
	}
	headers, reqErr := sidecarHeaders(r)
	if reqErr != nil {
		outcome = "bad_request"
		bare.WriteError(w, http.StatusBadRequest, reqErr)
		return
	}

	forward := bare.SplitList(r.Header.Get(bare.HeaderForwardHeaders))
	pass := map[string]bool{}
	for _, name := range bare.SplitList(r.Header.Get(bare.HeaderPassHeaders)) {
		pass[strings.ToLower(name)] = true
	}
	passStatus := map[int]bool{}
	for _, s := range bare.SplitStatusList(r.Header.Get(bare.HeaderPassStatus)) {
		passStatus[s] = true
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.fetchTimeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		outcome = "bad_request"
		bare.WriteError(w, http.StatusBadRequest, bare.NewRequestError(bare.CodeUnknown, err.Error()))
		return
	}
	for k, v := range headers {
		out.Header.Set(k, v)
	}
	// explicit sidecar headers are overlaid with forwarded incoming ones
	for _, name := range forward {
		if v := r.Header.Get(name); v != "" {
			out.Header.Set(name, v)
		}
	}
	if host := out.Header.Get("host"); host != "" {
		out.Host = host
		out.Header.Del("host")
	}

	resp, err := h.client.Do(out)
	if err != nil {
		outcome = "fetch_error"
		e := bare.NewRequestError(bare.CodeFetchError, "error communicating with the target")
		h.log.Errorf("fetch %s: %v (id=%s)", target, err, e.ID)
		bare.WriteError(w, http.StatusInternalServerError, e)
		return
	}
	defer resp.Body.Close()

	snapshot := map[string]string{}
	for k, vals := range resp.Header {
		lk := strings.ToLower(k)
		if bare.IsSecurityHeader(lk) && !pass[lk] {
			continue
		}
		snapshot[lk] = strings.Join(vals, ", ")
	}

	wh := w.Header()
	wh.Set(bare.HeaderStatus, strconv.Itoa(resp.StatusCode))
	wh.Set(bare.HeaderStatusText, statusText(resp))
	wh.Set(bare.HeaderHeaders, bare.EncodeHeaders(snapshot))
	for _, name := range preservedHeaders {
		if v := resp.Header.Get(name); v != "" {
			wh.Set(name, v)
		}
	}

	// Fixed wrapper status keeps intermediaries from intercepting genuine
	// 3xx/4xx/5xx codes meant for the caller.
	status := http.StatusOK
	if passStatus[resp.StatusCode] {
		status = resp.StatusCode
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, resp.Body)
}

func statusText(resp *http.Response) string {
	if t := strings.TrimPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)); t != resp.Status {
		return t
	}
	return http.StatusText(resp.StatusCode)
}
