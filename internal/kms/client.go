// Package kms talks to the key management service that issues per-file RSA
// key pairs. Every request is authorized by the caller's session id; the
// client never caches a key handle.
package kms

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/kenneth/envelope-vault/internal/config"
)

const (
	pathPublicKey  = "get_public_key"
	pathPrivateKey = "get_private_key"

	// SessionHeader carries the opaque session id on every KMS request.
	SessionHeader = "sid"

	codeSuccess = 200

	maxResponseBytes = 1 << 20
)

// StatusError is an application-level rejection from the KMS. Message is the
// KMS's own text and is surfaced verbatim.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("kms: %s rejected (code %d): %s", e.Endpoint, e.Code, e.Message)
}

// IsStatusError reports whether err is an application-level KMS rejection.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// Client requests per-file key handles from the KMS.
type Client struct {
	client  *http.Client
	baseURL *url.URL
	timeout time.Duration
}

// NewClient builds a client from the init-once KMS configuration.
func NewClient(cfg config.KMSConfig) (*Client, error) {
	return NewClientWithHTTP(cfg, nil)
}

// NewClientWithHTTP is NewClient with a caller-supplied HTTP client.
func NewClientWithHTTP(cfg config.KMSConfig, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("kms: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("kms: base URL must include scheme and host: %s", cfg.BaseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if strings.EqualFold(u.Scheme, "https") {
			transport.TLSClientConfig = &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- opt-in for lab deployments
			}
		}
		httpClient = &http.Client{Transport: transport}
	}

	return &Client{
		client:  httpClient,
		baseURL: u,
		timeout: cfg.Timeout,
	}, nil
}

type fileNameRequest struct {
	FileName string `json:"file_name"`
}

type keyResponse struct {
	Code          int    `json:"code"`
	Message       string `json:"message"`
	KMSPublicKey  string `json:"kms_public_key"`
	KMSPrivateKey string `json:"kms_private_key"`
}

// PublicKey asks the KMS to issue the public key for fileName. The returned
// handle is the KMS transport encoding (base64 PEM).
func (c *Client) PublicKey(ctx context.Context, fileName, sid string) (string, error) {
	resp, err := c.request(ctx, pathPublicKey, fileName, sid)
	if err != nil {
		return "", err
	}
	if resp.KMSPublicKey == "" {
		return "", fmt.Errorf("kms: %s response missing kms_public_key", pathPublicKey)
	}
	return resp.KMSPublicKey, nil
}

// PrivateKey asks the KMS for the private key matching fileName.
func (c *Client) PrivateKey(ctx context.Context, fileName, sid string) (string, error) {
	resp, err := c.request(ctx, pathPrivateKey, fileName, sid)
	if err != nil {
		return "", err
	}
	if resp.KMSPrivateKey == "" {
		return "", fmt.Errorf("kms: %s response missing kms_private_key", pathPrivateKey)
	}
	return resp.KMSPrivateKey, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

func (c *Client) request(ctx context.Context, endpoint, fileName, sid string) (*keyResponse, error) {
	if fileName == "" {
		return nil, errors.New("kms: file name is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(fileNameRequest{FileName: fileName})
	if err != nil {
		return nil, fmt.Errorf("kms: failed to marshal request: %w", err)
	}

	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kms: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, sid)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kms: %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("kms: failed to read %s response: %w", endpoint, err)
	}

	var out keyResponse
	if err := json.Unmarshal(respBody, &out); err != nil || out.Code == 0 {
		// A 4xx without a body code is still a refusal, not an outage.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Message: detailMessage(respBody)}
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("kms: %s failed (status %d): %s", endpoint, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		if err == nil {
			err = errors.New("missing code")
		}
		return nil, fmt.Errorf("kms: invalid %s response: %w", endpoint, err)
	}

	// HTTP 200 alone is not success; the body's code decides.
	if out.Code != codeSuccess {
		return nil, &StatusError{Endpoint: endpoint, Code: out.Code, Message: out.Message}
	}
	return &out, nil
}

// detailMessage extracts the FastAPI-style {"detail": "..."} text, falling
// back to the trimmed body.
func detailMessage(body []byte) string {
	var d struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &d); err == nil && len(d.Detail) > 0 {
		var text string
		if err := json.Unmarshal(d.Detail, &text); err == nil {
			return text
		}
		return strings.TrimSpace(string(d.Detail))
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
