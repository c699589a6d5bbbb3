package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/envelope-vault/internal/config"
	"github.com/kenneth/envelope-vault/internal/crypto"
	"github.com/kenneth/envelope-vault/internal/kms"
	"github.com/kenneth/envelope-vault/internal/storage"
)

// kmsServer answers like the key service: HTTP 200 with the outcome in the
// body code. Only validSID is authorized.
func kmsServer(t *testing.T, validSID string) *httptest.Server {
	priv, _ := testKeys(t)
	pub, err := crypto.EncodePublicKey(&priv.PublicKey)
	require.NoError(t, err)
	privHandle := crypto.EncodePrivateKey(priv)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(kms.SessionHeader) != validSID {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 403, "message": "invalid_session"})
			return
		}
		switch r.URL.Path {
		case "/get_public_key":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "public_key_saved", "kms_public_key": pub})
		case "/get_private_key":
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "kms_private_key": privHandle})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// dataServer mirrors the application code in the HTTP status.
func dataServer(t *testing.T, uploads *int32) *httptest.Server {
	var mu sync.Mutex
	records := map[string]map[string]string{}

	reply := func(w http.ResponseWriter, code int, body map[string]any) {
		body["code"] = code
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.URL.Path {
		case "/upload":
			atomic.AddInt32(uploads, 1)
			var req map[string]string
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				reply(w, 400, map[string]any{"message": "missing_fields"})
				return
			}
			if _, ok := records[req["file_name"]]; ok {
				reply(w, 409, map[string]any{"message": "file_exists"})
				return
			}
			records[req["file_name"]] = req
			reply(w, 200, map[string]any{"message": "file_uploaded"})
		case "/download":
			rec, ok := records[r.URL.Query().Get("file_name")]
			if !ok {
				reply(w, 404, map[string]any{"message": "file_not_found"})
				return
			}
			reply(w, 200, map[string]any{
				"encrypted_data":               rec["encrypted_data"],
				"encrypted_aes_key":            rec["encrypted_aes_key"],
				"encrypted_aes_initial_vector": rec["encrypted_aes_initial_vector"],
			})
		case "/list_files":
			files := []string{}
			for name := range records {
				files = append(files, name)
			}
			reply(w, 200, map[string]any{"files": files})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHTTPVault(t *testing.T, sid string, uploads *int32) *Vault {
	t.Helper()
	keySrv := kmsServer(t, sid)
	dataSrv := dataServer(t, uploads)

	keys, err := kms.NewClient(config.KMSConfig{BaseURL: keySrv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	store, err := storage.NewHTTPBackend(config.StorageConfig{BaseURL: dataSrv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	return newTestVault(keys, store)
}

func TestEndToEnd_SealThenOpen(t *testing.T) {
	var uploads int32
	v := newHTTPVault(t, "12345678", &uploads)
	ctx := context.Background()

	original := []byte("%PDF-1.7 quarterly report body")
	env, err := v.Seal(ctx, "report.pdf", original, "12345678")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", env.FileName)

	files, err := v.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"report.pdf"}, files)

	got, err := v.Open(ctx, "report.pdf", "12345678")
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestEndToEnd_InvalidSessionNeverUploads(t *testing.T) {
	var uploads int32
	v := newHTTPVault(t, "12345678", &uploads)

	_, err := v.Seal(context.Background(), "report.pdf", []byte("data"), "wrong")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindKeyRequestDenied))
	assert.Contains(t, err.Error(), "invalid_session")
	assert.Equal(t, int32(0), atomic.LoadInt32(&uploads))
}

func TestEndToEnd_OpenErrors(t *testing.T) {
	var uploads int32
	v := newHTTPVault(t, "12345678", &uploads)
	ctx := context.Background()

	_, err := v.Open(ctx, "missing.txt", "12345678")
	assert.True(t, IsKind(err, KindNotFound), "got %v", err)

	_, err = v.Seal(ctx, "a.txt", []byte("x"), "12345678")
	require.NoError(t, err)

	_, err = v.Open(ctx, "a.txt", "someone-else")
	assert.True(t, IsKind(err, KindKeyRequestDenied), "got %v", err)
}

// detailServer answers every request the way FastAPI's HTTPException does:
// the status carries the outcome and the body only {"detail": ...}.
func detailServer(t *testing.T, status int, detail string, hits *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"detail": detail})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEndToEnd_KMSDetailRefusalIsDenied(t *testing.T) {
	var uploads int32
	keySrv := detailServer(t, http.StatusForbidden, "invalid_session", nil)
	dataSrv := dataServer(t, &uploads)

	keys, err := kms.NewClient(config.KMSConfig{BaseURL: keySrv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	store, err := storage.NewHTTPBackend(config.StorageConfig{BaseURL: dataSrv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	v := newTestVault(keys, store)

	_, err = v.Seal(context.Background(), "report.pdf", []byte("data"), "expired")
	require.Error(t, err)

	var ve *Error
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, KindKeyRequestDenied, ve.Kind)
	assert.Equal(t, "invalid_session", ve.Message)
	assert.False(t, ve.Retryable())
	assert.Equal(t, int32(0), atomic.LoadInt32(&uploads))
}

func TestEndToEnd_StorageDetailErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		detail string
		kind   Kind
	}{
		{"missing file", http.StatusNotFound, "file_not_found", KindNotFound},
		{"forbidden file", http.StatusForbidden, "access_denied", KindDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keySrv := kmsServer(t, "12345678")
			dataSrv := detailServer(t, tt.status, tt.detail, nil)

			keys, err := kms.NewClient(config.KMSConfig{BaseURL: keySrv.URL, Timeout: 5 * time.Second})
			require.NoError(t, err)
			store, err := storage.NewHTTPBackend(config.StorageConfig{BaseURL: dataSrv.URL, Timeout: 5 * time.Second})
			require.NoError(t, err)
			v := newTestVault(keys, store)

			_, err = v.Open(context.Background(), "missing.pdf", "12345678")
			var ve *Error
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.kind, ve.Kind)
			assert.Equal(t, tt.detail, ve.Message)
			assert.False(t, ve.Retryable())
		})
	}
}
