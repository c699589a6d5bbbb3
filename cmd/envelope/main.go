// Command envelope seals, opens and lists files without going through the
// gateway daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/kenneth/envelope-vault/internal/config"
	"github.com/kenneth/envelope-vault/internal/crypto"
	"github.com/kenneth/envelope-vault/internal/kms"
	"github.com/kenneth/envelope-vault/internal/storage"
	"github.com/kenneth/envelope-vault/internal/vault"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2

	sidEnv = "ENVELOPE_SID"
)

const usage = `Usage: envelope [flags] <command> [args]

Commands:
  seal <path>   encrypt a local file and upload it (--name overrides the stored name)
  open <name>   download and decrypt a file (-o writes to a path instead of stdout)
  list          list stored files

Flags:
`

// app holds the process edges so commands can be driven from tests.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	// readSecret prompts without echo. nil means no terminal is attached.
	readSecret func(prompt string) (string, error)
}

type options struct {
	configPath     string
	kmsURL         string
	storageURL     string
	storageBackend string
	sid            string
	logLevel       string
	timeout        time.Duration
	name           string
	output         string
}

func main() {
	a := &app{
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		a.readSecret = func(prompt string) (string, error) {
			fmt.Fprint(os.Stderr, prompt)
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			return string(b), err
		}
	}
	os.Exit(a.run(os.Args[1:]))
}

func (a *app) run(args []string) int {
	var opts options
	fs := pflag.NewFlagSet("envelope", pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprint(a.stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (defaults to $CONFIG_PATH)")
	fs.StringVar(&opts.kmsURL, "kms-url", "", "KMS base URL")
	fs.StringVar(&opts.storageURL, "storage-url", "", "data server base URL")
	fs.StringVar(&opts.storageBackend, "storage-backend", "", "storage backend: http or s3")
	fs.StringVar(&opts.sid, "sid", "", "session id (defaults to $"+sidEnv+", then a prompt)")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	fs.DurationVar(&opts.timeout, "timeout", 0, "bound for the whole operation (defaults to operation_timeout)")
	fs.StringVarP(&opts.name, "name", "n", "", "stored file name for seal (defaults to the base name of the path)")
	fs.StringVarP(&opts.output, "output", "o", "", "write opened plaintext to this path")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch {
	case command == "seal" && len(rest) == 1:
	case command == "open" && len(rest) == 1:
	case command == "list" && len(rest) == 0:
	default:
		fs.Usage()
		return exitUsage
	}

	logger := logrus.New()
	logger.SetOutput(a.stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	cfg, err := a.loadConfig(opts)
	if err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return exitError
	}
	level, err := logrus.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return exitUsage
	}
	logger.SetLevel(level)

	ctx := context.Background()
	v, cleanup, err := newVault(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return exitError
	}
	defer cleanup()

	switch command {
	case "seal":
		err = a.seal(ctx, v, rest[0], opts)
	case "open":
		err = a.open(ctx, v, rest[0], opts)
	case "list":
		err = a.list(ctx, v)
	}
	if err != nil {
		a.reportError(err)
		if errors.Is(err, errNoSession) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

func (a *app) loadConfig(opts options) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		path = a.getenv("CONFIG_PATH")
	}
	return config.LoadConfigWithOverrides(path, func(c *config.Config) {
		if opts.kmsURL != "" {
			c.KMS.BaseURL = opts.kmsURL
		}
		if opts.storageURL != "" {
			c.Storage.BaseURL = opts.storageURL
		}
		if opts.storageBackend != "" {
			c.Storage.Backend = opts.storageBackend
		}
		if opts.timeout > 0 {
			c.OperationTimeout = opts.timeout
		}
	})
}

func newVault(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*vault.Vault, func(), error) {
	keys, err := kms.NewClient(cfg.KMS)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		keys.Close()
		return nil, nil, err
	}
	v := vault.New(crypto.NewCodec(), keys, store,
		vault.WithLogger(logger),
		vault.WithOperationTimeout(cfg.OperationTimeout),
	)
	return v, func() {
		storage.Release(store)
		keys.Close()
	}, nil
}

var errNoSession = errors.New("no session id: pass --sid or set " + sidEnv)

func (a *app) sessionID(opts options) (string, error) {
	if opts.sid != "" {
		return opts.sid, nil
	}
	if sid := strings.TrimSpace(a.getenv(sidEnv)); sid != "" {
		return sid, nil
	}
	if a.readSecret == nil {
		return "", errNoSession
	}
	sid, err := a.readSecret("Session id: ")
	if err != nil {
		return "", fmt.Errorf("failed to read session id: %w", err)
	}
	if sid = strings.TrimSpace(sid); sid == "" {
		return "", errNoSession
	}
	return sid, nil
}

func (a *app) seal(ctx context.Context, v *vault.Vault, path string, opts options) error {
	sid, err := a.sessionID(opts)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := opts.name
	if name == "" {
		name = filepath.Base(path)
	}

	env, err := v.Seal(ctx, name, data, sid)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "sealed %s (%d bytes)\n", env.FileName, len(data))
	return nil
}

func (a *app) open(ctx context.Context, v *vault.Vault, name string, opts options) error {
	sid, err := a.sessionID(opts)
	if err != nil {
		return err
	}
	plaintext, err := v.Open(ctx, name, sid)
	if err != nil {
		return err
	}

	if opts.output == "" {
		_, err = a.stdout.Write(plaintext)
		return err
	}
	if err := os.WriteFile(opts.output, plaintext, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "opened %s -> %s (%d bytes)\n", name, opts.output, len(plaintext))
	return nil
}

func (a *app) list(ctx context.Context, v *vault.Vault) error {
	files, err := v.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintln(a.stdout, f)
	}
	return nil
}

func (a *app) reportError(err error) {
	var ve *vault.Error
	if !errors.As(err, &ve) {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return
	}
	msg := fmt.Sprintf("error: %s: %s", ve.Kind, ve.Message)
	if ve.Retryable() {
		msg += " (retryable)"
	}
	fmt.Fprintln(a.stderr, msg)
}
