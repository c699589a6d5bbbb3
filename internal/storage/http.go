package storage

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
	"github.com/kenneth/envelope-vault/internal/crypto"
)

const (
	pathUpload    = "upload"
	pathDownload  = "download"
	pathListFiles = "list_files"

	// Envelopes carry the whole file, base64 encoded.
	maxDownloadBytes = 1 << 30
)

// HTTPBackend talks to the data server's JSON API.
type HTTPBackend struct {
	client  *http.Client
	baseURL *url.URL
	timeout time.Duration
}

// NewHTTPBackend builds a backend from the init-once storage configuration.
func NewHTTPBackend(cfg config.StorageConfig) (*HTTPBackend, error) {
	return NewHTTPBackendWithClient(cfg, nil)
}

// NewHTTPBackendWithClient is NewHTTPBackend with a caller-supplied HTTP client.
func NewHTTPBackendWithClient(cfg config.StorageConfig, httpClient *http.Client) (*HTTPBackend, error) {
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		return nil, errors.New("storage: base URL is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("storage: invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("storage: base URL must include scheme and host: %s", endpoint)
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

	return &HTTPBackend{
		client:  httpClient,
		baseURL: u,
		timeout: cfg.Timeout,
	}, nil
}

// Name implements Backend.
func (b *HTTPBackend) Name() string {
	return config.StorageBackendHTTP
}

type uploadRequest struct {
	FileName                  string `json:"file_name"`
	EncryptedData             string `json:"encrypted_data"`
	EncryptedAESKey           string `json:"encrypted_aes_key"`
	EncryptedAESInitialVector string `json:"encrypted_aes_initial_vector"`
}

type statusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type downloadResponse struct {
	statusResponse
	EncryptedData             string `json:"encrypted_data"`
	EncryptedAESKey           string `json:"encrypted_aes_key"`
	EncryptedAESInitialVector string `json:"encrypted_aes_initial_vector"`
}

type listResponse struct {
	statusResponse
	Files []string `json:"files"`
}

// Upload implements Backend.
func (b *HTTPBackend) Upload(ctx context.Context, env *crypto.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	payload, err := json.Marshal(uploadRequest{
		FileName:                  env.FileName,
		EncryptedData:             crypto.EncodeField(env.Ciphertext),
		EncryptedAESKey:           crypto.EncodeField(env.WrappedKey),
		EncryptedAESInitialVector: crypto.EncodeField(env.WrappedIV),
	})
	if err != nil {
		return fmt.Errorf("storage: failed to marshal upload: %w", err)
	}

	var resp statusResponse
	return b.do(ctx, http.MethodPost, pathUpload, nil, payload, &resp)
}

// Download implements Backend.
func (b *HTTPBackend) Download(ctx context.Context, fileName string) (*crypto.Envelope, error) {
	if fileName == "" {
		return nil, errors.New("storage: file name is required")
	}
	var resp downloadResponse
	if err := b.do(ctx, http.MethodGet, pathDownload, url.Values{"file_name": {fileName}}, nil, &resp); err != nil {
		return nil, err
	}

	ciphertext, err := crypto.DecodeField("encrypted_data", resp.EncryptedData)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := crypto.DecodeField("encrypted_aes_key", resp.EncryptedAESKey)
	if err != nil {
		return nil, err
	}
	wrappedIV, err := crypto.DecodeField("encrypted_aes_initial_vector", resp.EncryptedAESInitialVector)
	if err != nil {
		return nil, err
	}
	return &crypto.Envelope{
		FileName:   fileName,
		Ciphertext: ciphertext,
		WrappedKey: wrappedKey,
		WrappedIV:  wrappedIV,
	}, nil
}

// List implements Backend.
func (b *HTTPBackend) List(ctx context.Context) ([]string, error) {
	var resp listResponse
	if err := b.do(ctx, http.MethodGet, pathListFiles, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Files == nil {
		return []string{}, nil
	}
	return resp.Files, nil
}

// Close releases idle connections.
func (b *HTTPBackend) Close() {
	b.client.CloseIdleConnections()
}

// coded is implemented by every response type so do can check the
// application-level status after decoding.
type coded interface {
	status() statusResponse
}

func (s statusResponse) status() statusResponse { return s }

func (b *HTTPBackend) do(ctx context.Context, method, endpoint string, query url.Values, body []byte, out coded) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	target := b.baseURL.ResolveReference(&url.URL{Path: endpoint})
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("storage: failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage: %s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return fmt.Errorf("storage: failed to read %s response: %w", endpoint, err)
	}

	// The data server mirrors its application code in the HTTP status, so a
	// 404 still carries a JSON body worth decoding.
	if err := json.Unmarshal(respBody, out); err != nil || out.status().Code == 0 {
		// FastAPI's HTTPException carries only {"detail": ...}; the status
		// is then the application code.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &StatusError{Operation: endpoint, Code: resp.StatusCode, Message: detailMessage(respBody)}
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("storage: %s failed (status %d): %s", endpoint, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		if err == nil {
			err = errors.New("missing code")
		}
		return fmt.Errorf("storage: invalid %s response: %w", endpoint, err)
	}

	if st := out.status(); st.Code != CodeSuccess {
		return &StatusError{Operation: endpoint, Code: st.Code, Message: st.Message}
	}
	return nil
}

// detailMessage extracts the {"detail": "..."} text, falling back to the
// trimmed body.
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
