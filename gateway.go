package discordgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluequeen/discordgw/wire"
)

// GatewayVersion is the gateway protocol version requested on connect.
const GatewayVersion = 4

// GatewayResolver looks up the current gateway endpoint. It is called
// before every connection attempt; the endpoint may rotate.
type GatewayResolver interface {
	GatewayURL(ctx context.Context) (string, error)
}

// GatewayFunc adapts a function to GatewayResolver.
type GatewayFunc func(ctx context.Context) (string, error)

// GatewayURL calls f.
func (f GatewayFunc) GatewayURL(ctx context.Context) (string, error) { return f(ctx) }

// RESTResolver resolves the gateway with GET {APIBase}/gateway.
type RESTResolver struct {
	APIBase    string // e.g. "https://discordapp.com/api"
	Token      string // sent verbatim as the Authorization header
	HTTPClient *http.Client
}

// NewRESTResolver creates a resolver with a 30 second HTTP timeout.
func NewRESTResolver(apiBase, token string) *RESTResolver {
	return &RESTResolver{
		APIBase:    strings.TrimRight(apiBase, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GatewayURL returns the advertised gateway URL.
func (r *RESTResolver) GatewayURL(ctx context.Context) (string, error) {
	body, err := r.apiRequest(ctx, http.MethodGet, "/gateway")
	if err != nil {
		return "", err
	}
	var resp wire.GatewayResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if resp.URL == "" {
		return "", errors.New("gateway response without url")
	}
	return resp.URL, nil
}

func (r *RESTResolver) apiRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.APIBase+path, nil)
	if err != nil {
		return nil, err
	}
	if r.Token != "" {
		req.Header.Set("Authorization", r.Token)
	}

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api %s %s: %d %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// gatewayURL pins the protocol version and encoding on a resolved URL.
func gatewayURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("gateway url %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("v", fmt.Sprint(GatewayVersion))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
