// Package transfer downloads message attachments over HTTPS into a staging
// area and moves completed files into the public download directory.
package transfer

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"chatstore/metrics"
	"chatstore/models"
	"chatstore/trust"
)

const (
	DefaultChunkSize      = 8 * 1024
	DefaultConnectTimeout = 5 * time.Minute
	DefaultReadTimeout    = 5 * time.Minute
	DefaultWriteTimeout   = 5 * time.Minute
)

// Request is one attachment download attempt.
type Request struct {
	AttachmentID string
	MessageID    string
	FileName     string
	DeclaredSize int64
	URL          string
	Account      string
}

// Result describes a completed download.
type Result struct {
	Path   string
	Digest string
	Bytes  int64
}

// ProgressFunc receives integer percentages in non-decreasing order.
type ProgressFunc func(percent int)

// Fetcher performs one download synchronously.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Trust       trust.Provider
	DownloadDir string
	StagingDir  string
	ChunkSize   int

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// MaxBytesPerSecond limits download bandwidth; zero disables the limit.
	MaxBytesPerSecond int

	Logger logrus.FieldLogger
}

// Engine streams attachments to disk.
type Engine struct {
	options EngineOptions
	limiter *rate.Limiter
}

var _ Fetcher = (*Engine)(nil)

// NewEngine validates options and applies defaults.
func NewEngine(options EngineOptions) (*Engine, error) {
	if options.Trust == nil {
		return nil, errors.New("trust provider is required")
	}
	if options.DownloadDir == "" {
		return nil, errors.New("download directory is required")
	}
	if options.StagingDir == "" {
		options.StagingDir = filepath.Join(os.TempDir(), "chatstore-staging")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.ReadTimeout <= 0 {
		options.ReadTimeout = DefaultReadTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	engine := &Engine{options: options}
	if options.MaxBytesPerSecond > 0 {
		burst := options.ChunkSize
		if options.MaxBytesPerSecond > burst {
			burst = options.MaxBytesPerSecond
		}
		engine.limiter = rate.NewLimiter(rate.Limit(options.MaxBytesPerSecond), burst)
	}
	return engine, nil
}

// DownloadDir returns the directory completed files are moved into.
func (e *Engine) DownloadDir() string {
	return e.options.DownloadDir
}

// StagingDir returns the private directory holding partial downloads.
func (e *Engine) StagingDir() string {
	return e.options.StagingDir
}

// Download runs Fetch in the background and reports its outcome as events.
// The channel yields zero or more progress events followed by exactly one
// terminal event, then closes. Callers must drain it.
func (e *Engine) Download(ctx context.Context, req Request) <-chan models.ProgressEvent {
	out := make(chan models.ProgressEvent, 16)
	go func() {
		defer close(out)

		res, err := e.Fetch(ctx, req, func(percent int) {
			out <- models.Progress(req.AttachmentID, percent)
		})
		if err != nil {
			out <- models.Failed(req.AttachmentID, Reason(err), err)
			return
		}
		out <- models.Completed(req.AttachmentID, res.Path)
	}()
	return out
}

// Fetch downloads req into the download directory. The returned path is only
// populated once the complete file is in place.
func (e *Engine) Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	logger := e.options.Logger.WithFields(logrus.Fields{
		"function":      "Fetch",
		"attachment_id": req.AttachmentID,
		"account":       req.Account,
	})

	source, name, err := e.validate(req)
	if err != nil {
		return Result{}, err
	}

	tlsConfig, err := e.options.Trust.TransportConfig(req.Account)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if tlsConfig == nil {
		return Result{}, fmt.Errorf("%w: no tls configuration for %q", ErrConfiguration, req.Account)
	}

	if err := os.MkdirAll(e.options.DownloadDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create download directory: %v", ErrIO, err)
	}
	if err := os.MkdirAll(e.options.StagingDir, 0o700); err != nil {
		return Result{}, fmt.Errorf("%w: create staging directory: %v", ErrIO, err)
	}

	target := filepath.Join(e.options.DownloadDir, name)
	if exists, err := pathExists(target); err != nil {
		return Result{}, fmt.Errorf("%w: check %s: %v", ErrIO, name, err)
	} else if exists {
		return Result{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}

	client := e.client(tlsConfig)
	defer client.CloseIdleConnections()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, source.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrConfiguration, err)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{}, classify(ctx, err, "connect")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &RemoteError{Status: resp.StatusCode}
	}

	staging, err := os.CreateTemp(e.options.StagingDir, stagingPattern(req.AttachmentID))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create staging file: %v", ErrIO, err)
	}
	stagingPath := staging.Name()
	finalized := false
	defer func() {
		if !finalized {
			_ = staging.Close()
			_ = os.Remove(stagingPath)
		}
	}()

	logger.WithField("staging", stagingPath).Debug("Streaming attachment")

	written, digest, err := e.stream(ctx, resp.Body, staging, req.DeclaredSize, progress)
	if err != nil {
		return Result{}, err
	}
	if req.DeclaredSize > 0 && written != req.DeclaredSize {
		return Result{}, fmt.Errorf("%w: received %d bytes, expected %d", ErrIO, written, req.DeclaredSize)
	}

	if err := staging.Sync(); err != nil {
		return Result{}, fmt.Errorf("%w: sync staging file: %v", ErrIO, err)
	}
	if err := staging.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: close staging file: %v", ErrIO, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, classify(ctx, err, "finalize")
	}

	if err := moveIntoPlace(stagingPath, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Result{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return Result{}, fmt.Errorf("%w: move into place: %v", ErrIO, err)
	}
	finalized = true

	logger.WithFields(logrus.Fields{
		"path":  target,
		"bytes": written,
	}).Info("Attachment downloaded")

	return Result{Path: target, Digest: digest, Bytes: written}, nil
}

func (e *Engine) validate(req Request) (*url.URL, string, error) {
	if req.AttachmentID == "" {
		return nil, "", fmt.Errorf("%w: attachment id is required", ErrConfiguration)
	}
	if req.URL == "" {
		return nil, "", fmt.Errorf("%w: url is required", ErrConfiguration)
	}
	source, err := url.Parse(req.URL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: parse url: %v", ErrConfiguration, err)
	}
	if !strings.EqualFold(source.Scheme, "https") {
		return nil, "", fmt.Errorf("%w: unsupported url scheme %q", ErrConfiguration, source.Scheme)
	}

	name := safeFileName(req.FileName)
	if name == "" {
		name = safeFileName(path.Base(source.Path))
	}
	if name == "" {
		name = req.AttachmentID
	}
	return source, name, nil
}

func (e *Engine) client(tlsConfig *tls.Config) *http.Client {
	dialer := &net.Dialer{Timeout: e.options.ConnectTimeout}
	readTimeout := e.options.ReadTimeout
	writeTimeout := e.options.WriteTimeout

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &deadlineConn{Conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}, nil
			},
			TLSClientConfig:       tlsConfig,
			TLSHandshakeTimeout:   e.options.ConnectTimeout,
			ResponseHeaderTimeout: readTimeout,
			DisableKeepAlives:     true,
		},
	}
}

func (e *Engine) stream(ctx context.Context, body io.Reader, dst io.Writer, declared int64, progress ProgressFunc) (int64, string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return 0, "", fmt.Errorf("%w: init digest: %v", ErrIO, err)
	}

	buf := make([]byte, e.options.ChunkSize)
	var written int64
	lastPercent := -1

	for {
		if err := ctx.Err(); err != nil {
			return written, "", classify(ctx, err, "read")
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return written, "", classify(ctx, err, "throttle")
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, "", fmt.Errorf("%w: write staging file: %v", ErrIO, err)
			}
			_, _ = hasher.Write(buf[:n])
			written += int64(n)
			metrics.BytesDownloaded.Add(float64(n))

			if declared > 0 && progress != nil {
				if percent := percentOf(written, declared); percent > lastPercent {
					lastPercent = percent
					progress(percent)
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, "", classify(ctx, readErr, "read")
		}
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// percentOf rounds written/declared*100 half up, clamped to [0,100].
func percentOf(written, declared int64) int {
	if declared <= 0 || written <= 0 {
		return 0
	}
	percent := (written*200 + declared) / (2 * declared)
	if percent > 100 {
		return 100
	}
	return int(percent)
}

func stagingPattern(attachmentID string) string {
	return safeFileName(attachmentID) + "-*.part"
}

func safeFileName(name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(name)))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return ""
	}
	return name
}

func pathExists(p string) (bool, error) {
	_, err := os.Lstat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// moveIntoPlace publishes a finished staging file at target without
// replacing an existing file. It returns an fs.ErrExist error on collision.
func moveIntoPlace(stagingPath, target string) error {
	linkErr := os.Link(stagingPath, target)
	if linkErr == nil {
		_ = os.Remove(stagingPath)
		return nil
	}
	if errors.Is(linkErr, fs.ErrExist) {
		return linkErr
	}

	if exists, err := pathExists(target); err != nil {
		return err
	} else if exists {
		return &fs.PathError{Op: "move", Path: target, Err: fs.ErrExist}
	}

	renameErr := os.Rename(stagingPath, target)
	if renameErr == nil {
		return nil
	}
	if !errors.Is(renameErr, syscall.EXDEV) {
		return renameErr
	}
	return copyIntoPlace(stagingPath, target)
}

func copyIntoPlace(stagingPath, target string) error {
	src, err := os.Open(stagingPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+"-*.part")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if exists, err := pathExists(target); err != nil || exists {
		_ = os.Remove(tmpPath)
		if err != nil {
			return err
		}
		return &fs.PathError{Op: "move", Path: target, Err: fs.ErrExist}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = os.Remove(stagingPath)
	return nil
}
