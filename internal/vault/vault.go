// Package vault runs the Seal and Open workflows: files are encrypted locally
// under fresh AES key material, the key material is wrapped under a per-file
// KMS public key, and only the resulting envelope ever reaches storage.
//
// Every remote call is attempted exactly once per invocation. Retry policy
// belongs to the caller.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/envelope-vault/internal/audit"
	"github.com/kenneth/envelope-vault/internal/cache"
	"github.com/kenneth/envelope-vault/internal/crypto"
	"github.com/kenneth/envelope-vault/internal/kms"
	"github.com/kenneth/envelope-vault/internal/metrics"
	"github.com/kenneth/envelope-vault/internal/storage"
)

const (
	opSeal = "seal"
	opOpen = "open"
	opList = "list"

	tracerName = "github.com/kenneth/envelope-vault/internal/vault"
)

// KeyService issues per-file key handles, authorized by a session id.
// Handles are base64 encoded PEM as returned by the KMS.
type KeyService interface {
	PublicKey(ctx context.Context, fileName, sid string) (string, error)
	PrivateKey(ctx context.Context, fileName, sid string) (string, error)
}

// Vault orchestrates the codec, the KMS and the storage backend. It holds no
// per-file state, so one Vault serves concurrent workflows.
type Vault struct {
	codec   *crypto.Codec
	keys    KeyService
	store   storage.Backend
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer

	listCache cache.ListingCache
	listTTL   time.Duration

	opTimeout time.Duration
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger. Key material and session ids are never logged.
func WithLogger(logger *logrus.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

// WithAudit records every workflow outcome.
func WithAudit(a audit.Logger) Option {
	return func(v *Vault) { v.audit = a }
}

// WithListCache caches file listings for ttl. A successful Seal invalidates
// the cached listing.
func WithListCache(c cache.ListingCache, ttl time.Duration) Option {
	return func(v *Vault) {
		v.listCache = c
		v.listTTL = ttl
	}
}

// WithOperationTimeout bounds a whole workflow when the caller's context has
// no deadline of its own.
func WithOperationTimeout(d time.Duration) Option {
	return func(v *Vault) { v.opTimeout = d }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(v *Vault) { v.tracer = tp.Tracer(tracerName) }
}

// New creates a Vault.
func New(codec *crypto.Codec, keys KeyService, store storage.Backend, opts ...Option) *Vault {
	v := &Vault{
		codec:  codec,
		keys:   keys,
		store:  store,
		logger: logrus.StandardLogger(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.codec == nil {
		v.codec = crypto.NewCodec()
	}
	return v
}

// Backend returns the name of the storage backend in use.
func (v *Vault) Backend() string {
	return v.store.Name()
}

// Seal encrypts data under fresh key material, wraps the key material with
// the KMS public key for fileName and uploads the envelope. The returned
// envelope is exactly what storage acknowledged.
//
// If the KMS refuses, nothing is sent to storage. If the upload fails the key
// material is already gone; the caller must Seal again from scratch.
func (v *Vault) Seal(ctx context.Context, fileName string, data []byte, sid string) (env *crypto.Envelope, err error) {
	ctx, cancel := v.withDeadline(ctx)
	defer cancel()

	ctx, span := v.tracer.Start(ctx, "vault.Seal", trace.WithAttributes(
		attribute.String("vault.file_name", fileName),
		attribute.Int("vault.plaintext_bytes", len(data)),
		attribute.String("vault.backend", v.store.Name()),
	))
	start := time.Now()
	defer func() {
		v.finish(ctx, span, opSeal, fileName, int64(len(data)), start, err)
	}()

	if fileName == "" {
		return nil, &Error{Op: opSeal, Kind: KindInvalidName, Message: "file name is required"}
	}

	material, err := v.codec.GenerateKeyMaterial()
	if err != nil {
		return nil, newError(opSeal, fileName, KindCrypto, err)
	}
	defer material.Destroy()

	t := time.Now()
	ciphertext, err := v.codec.Encrypt(data, material)
	v.observeCrypto("encrypt", t)
	if err != nil {
		return nil, newError(opSeal, fileName, KindCrypto, err)
	}

	handle, err := v.callKMS(ctx, "get_public_key", func(ctx context.Context) (string, error) {
		return v.keys.PublicKey(ctx, fileName, sid)
	})
	if err != nil {
		return nil, fromKMS(opSeal, fileName, err)
	}

	pub, err := crypto.ParsePublicKey(handle)
	if err != nil {
		return nil, newError(opSeal, fileName, KindCrypto, err)
	}

	t = time.Now()
	wrappedKey, wrappedIV, err := v.codec.Wrap(material, pub)
	v.observeCrypto("wrap", t)
	if err != nil {
		return nil, newError(opSeal, fileName, KindCrypto, err)
	}
	material.Destroy()

	env = &crypto.Envelope{
		FileName:   fileName,
		Ciphertext: ciphertext,
		WrappedKey: wrappedKey,
		WrappedIV:  wrappedIV,
	}

	// Last point at which cancellation is honoured without side effects.
	if err := ctx.Err(); err != nil {
		return nil, newError(opSeal, fileName, KindStorage, err)
	}

	if err := v.callStorage(ctx, "upload", func(ctx context.Context) error {
		return v.store.Upload(ctx, env)
	}); err != nil {
		return nil, fromUpload(opSeal, fileName, err)
	}

	if v.listCache != nil {
		v.listCache.Invalidate(ctx, v.store.Name())
	}
	return env, nil
}

// Open downloads the envelope for fileName, fetches its private key from the
// KMS and returns the plaintext. Persisting it is up to the caller.
func (v *Vault) Open(ctx context.Context, fileName, sid string) (plaintext []byte, err error) {
	ctx, cancel := v.withDeadline(ctx)
	defer cancel()

	ctx, span := v.tracer.Start(ctx, "vault.Open", trace.WithAttributes(
		attribute.String("vault.file_name", fileName),
		attribute.String("vault.backend", v.store.Name()),
	))
	start := time.Now()
	defer func() {
		v.finish(ctx, span, opOpen, fileName, int64(len(plaintext)), start, err)
	}()

	if fileName == "" {
		return nil, &Error{Op: opOpen, Kind: KindInvalidName, Message: "file name is required"}
	}

	var env *crypto.Envelope
	if err := v.callStorage(ctx, "download", func(ctx context.Context) error {
		var derr error
		env, derr = v.store.Download(ctx, fileName)
		return derr
	}); err != nil {
		return nil, fromDownload(opOpen, fileName, err)
	}
	if env == nil {
		return nil, newError(opOpen, fileName, KindStorage, errors.New("storage returned no envelope"))
	}

	handle, err := v.callKMS(ctx, "get_private_key", func(ctx context.Context) (string, error) {
		return v.keys.PrivateKey(ctx, fileName, sid)
	})
	if err != nil {
		return nil, fromKMS(opOpen, fileName, err)
	}

	priv, err := crypto.ParsePrivateKey(handle)
	if err != nil {
		return nil, newError(opOpen, fileName, KindCrypto, err)
	}

	t := time.Now()
	material, err := v.codec.Unwrap(env.WrappedKey, env.WrappedIV, priv)
	v.observeCrypto("unwrap", t)
	if err != nil {
		return nil, newError(opOpen, fileName, KindCorruptOrTampered, err)
	}
	defer material.Destroy()

	t = time.Now()
	plaintext, err = v.codec.Decrypt(env.Ciphertext, material)
	v.observeCrypto("decrypt", t)
	if err != nil {
		return nil, newError(opOpen, fileName, KindCorruptOrTampered, err)
	}
	return plaintext, nil
}

// List returns the names of all stored files, served from the listing cache
// when one is configured and fresh.
func (v *Vault) List(ctx context.Context) (files []string, err error) {
	ctx, cancel := v.withDeadline(ctx)
	defer cancel()

	ctx, span := v.tracer.Start(ctx, "vault.List", trace.WithAttributes(
		attribute.String("vault.backend", v.store.Name()),
	))
	start := time.Now()
	defer func() {
		v.finish(ctx, span, opList, "", 0, start, err)
	}()

	if v.listCache != nil {
		cached, ok := v.listCache.Get(ctx, v.store.Name())
		if v.metrics != nil {
			v.metrics.RecordListCache(ok)
		}
		if ok {
			span.SetAttributes(attribute.Bool("vault.cache_hit", true))
			return cached, nil
		}
	}

	if err := v.callStorage(ctx, "list_files", func(ctx context.Context) error {
		var lerr error
		files, lerr = v.store.List(ctx)
		return lerr
	}); err != nil {
		return nil, fromList(opList, err)
	}

	if v.listCache != nil {
		v.listCache.Set(ctx, v.store.Name(), files, v.listTTL)
	}
	return files, nil
}

func (v *Vault) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok || v.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.opTimeout)
}

func (v *Vault) callKMS(ctx context.Context, operation string, fn func(context.Context) (string, error)) (string, error) {
	ctx, span := v.tracer.Start(ctx, "kms."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	handle, err := fn(ctx)
	v.observeRemote(metrics.PeerKMS, operation, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kms request failed")
	}
	return handle, err
}

func (v *Vault) callStorage(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := v.tracer.Start(ctx, "storage."+operation, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("vault.backend", v.store.Name())))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	v.observeRemote(metrics.PeerStorage, operation, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage request failed")
	}
	return err
}

func (v *Vault) observeRemote(peer, operation string, start time.Time, err error) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordRemoteCall(peer, operation, time.Since(start))
	if err != nil {
		v.metrics.RecordRemoteError(peer, operation, remoteErrorType(err))
	}
}

func (v *Vault) observeCrypto(operation string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordCryptoOperation(operation, time.Since(start))
	}
}

// finish ends the workflow span and records logs, metrics and audit.
func (v *Vault) finish(ctx context.Context, span trace.Span, op, fileName string, bytes int64, start time.Time, err error) {
	defer span.End()
	duration := time.Since(start)

	fields := logrus.Fields{
		"operation":   op,
		"backend":     v.store.Name(),
		"duration_ms": duration.Milliseconds(),
	}
	if fileName != "" {
		fields["file_name"] = fileName
	}
	if id := audit.RequestIDFromContext(ctx); id != "" {
		fields["request_id"] = id
	}

	if err != nil {
		kind := KindOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		span.SetAttributes(attribute.String("vault.error_kind", string(kind)))
		if v.metrics != nil {
			v.metrics.RecordWorkflowError(op, string(kind))
		}
		fields["kind"] = kind
		v.logger.WithFields(fields).WithError(err).Warn("Workflow failed")
	} else {
		span.SetStatus(codes.Ok, "")
		if v.metrics != nil {
			v.metrics.RecordWorkflow(op, duration, bytes)
		}
		v.logger.WithFields(fields).Debug("Workflow completed")
	}

	if v.audit != nil {
		v.audit.LogWorkflow(ctx, eventType(op), fileName, v.store.Name(), bytes, err, duration)
	}
}

func eventType(op string) audit.EventType {
	switch op {
	case opSeal:
		return audit.EventTypeSeal
	case opOpen:
		return audit.EventTypeOpen
	default:
		return audit.EventTypeList
	}
}

// ClassifyError names the kind of err for audit records.
func ClassifyError(err error) string {
	return string(KindOf(err))
}

func remoteErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	if se, ok := storage.AsStatusError(err); ok {
		switch {
		case se.NotFound():
			return "not_found"
		case se.Denied():
			return "denied"
		case se.Code == storage.CodeConflict:
			return "conflict"
		}
		return "rejected"
	}
	if kms.IsStatusError(err) {
		return "rejected"
	}
	return "transport"
}
