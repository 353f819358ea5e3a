package bare

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RelayRequest describes one logical fetch to execute through a relay node.
type RelayRequest struct {
	TargetURL      string
	Method         string
	Headers        map[string]string // sent to the target verbatim
	ForwardHeaders []string          // incoming header names the relay copies through
	PassHeaders    []string          // response header names exempt from the deny-list
	PassStatus     []int             // upstream status codes the relay propagates literally
	Body           io.Reader
}

// RelayResponse is the decoded result of a relayed fetch. Body streams the
// upstream payload and must be closed by the caller.
type RelayResponse struct {
	Status     int
	StatusText string
	Headers    map[string]string
	Body       io.ReadCloser
}

// Client speaks the wire protocol against a single relay node endpoint.
type Client struct {
	http *http.Client
}

// NewClient wraps hc, or a default 30s-timeout client when hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: hc}
}

// Endpoint joins a node's protocol root with the versioned path. A node
// given as a plain origin with no path gets the default /bare mount, so
// "https://host" and "https://host/bare" both resolve to
// "https://host/bare/v3/".
func Endpoint(node string) string {
	if u, err := url.Parse(node); err == nil && (u.Path == "" || u.Path == "/") {
		u.Path = "/bare"
		node = u.String()
	}
	return singleJoiningSlash(node, "/"+APIVersion+"/")
}

// Do executes req through the relay node rooted at node. Relay-side error
// envelopes come back as *RequestError; transport failures as plain errors.
func (c *Client) Do(ctx context.Context, node string, req *RelayRequest) (*RelayResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, Endpoint(node), req.Body)
	if err != nil {
		return nil, err
	}
	hr.Header.Set(HeaderURL, req.TargetURL)
	hr.Header.Set(HeaderHeaders, EncodeHeaders(req.Headers))
	if len(req.ForwardHeaders) > 0 {
		hr.Header.Set(HeaderForwardHeaders, strings.Join(req.ForwardHeaders, ","))
	}
	if len(req.PassHeaders) > 0 {
		hr.Header.Set(HeaderPassHeaders, strings.Join(req.PassHeaders, ","))
	}
	if len(req.PassStatus) > 0 {
		codes := make([]string, len(req.PassStatus))
		for i, s := range req.PassStatus {
			codes[i] = strconv.Itoa(s)
		}
		hr.Header.Set(HeaderPassStatus, strings.Join(codes, ","))
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get(HeaderStatus) == "" {
		// no sidecar metadata: either an error envelope or not a relay at all
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
		if e := DecodeError(resp.StatusCode, body); e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("bare: node returned %s without sidecar metadata", resp.Status)
	}

	status, err := strconv.Atoi(resp.Header.Get(HeaderStatus))
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("bare: malformed %s header: %w", HeaderStatus, err)
	}
	return &RelayResponse{
		Status:     status,
		StatusText: resp.Header.Get(HeaderStatusText),
		Headers:    DecodeHeaders(resp.Header.Get(HeaderHeaders)),
		Body:       resp.Body,
	}, nil
}

// lifted from net/http/httputil to join path segments
func singleJoiningSlash(a, b string) string {
	slashA := strings.HasSuffix(a, "/")
	slashB := strings.HasPrefix(b, "/")
	switch {
	case slashA && slashB:
		return a + b[1:]
	case !slashA && !slashB:
		return a + "/" + b
	}
	return a + b
}
