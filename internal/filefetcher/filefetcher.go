// Package filefetcher downloads binary model artifacts to disk. It is the
// connector's only component that writes under ./files — every write goes
// through a temp-file-then-rename so a reader never observes a partial
// file, and ModelLibrary can safely poll the local path from another
// goroutine while a download is in flight.
package filefetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cognitedata/simulator-connector/internal/errs"
	"github.com/cognitedata/simulator-connector/internal/logging"
)

// Option configures a Fetcher at construction time.
type Option func(*Fetcher)

// WithMaxFileDownloadSize sets the hard ceiling: downloads whose declared
// size exceeds this fail fatally with errs.KindSizeExceeded. Zero means
// no ceiling.
func WithMaxFileDownloadSize(n int64) Option {
	return func(f *Fetcher) { f.maxFileDownloadSize = n }
}

// WithLargeFileSize sets the soft ceiling: downloads whose declared size
// exceeds this (but not maxFileDownloadSize) are deferred with
// errs.KindTooLargeToDownloadNow so the caller can retry on a later
// convergence tick. Zero means no soft ceiling.
func WithLargeFileSize(n int64) Option {
	return func(f *Fetcher) { f.largeFileSize = n }
}

// WithHTTPClient overrides the HTTP client used for http(s):// URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.http = c }
}

// WithS3Client overrides the S3 client used for s3:// URLs. Primarily for
// tests; production callers normally rely on the default credential chain
// that New loads through awsconfig.LoadDefaultConfig.
func WithS3Client(c *s3.Client) Option {
	return func(f *Fetcher) { f.s3 = c }
}

// Fetcher downloads files by URL to a local path, applying size
// thresholds before committing any bytes to the destination path.
type Fetcher struct {
	http                *http.Client
	s3                  *s3.Client
	maxFileDownloadSize int64
	largeFileSize       int64
}

// New constructs a Fetcher. It attempts to load the default AWS config
// (environment, shared config file, or instance role) so s3:// URLs work
// out of the box; failure to resolve AWS credentials is not fatal here —
// it only surfaces if an s3:// URL is actually requested.
func New(ctx context.Context, opts ...Option) *Fetcher {
	f := &Fetcher{
		http: &http.Client{Timeout: 5 * time.Minute},
	}
	if cfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		f.s3 = s3.NewFromConfig(cfg)
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// DownloadFileAsync downloads the resource at rawURL to localPath,
// reporting downloaded=true only if bytes were actually written (a
// no-op redownload of an identical file still reports true; this layer
// does not do conditional requests).
//
// Size thresholds are enforced from the transport's declared size before
// any body bytes are streamed to disk where the transport exposes one
// (HTTP Content-Length, S3 HeadObject). Transient transport failures are
// classified errs.KindNetworkTransient and are not retried here — the
// caller (ModelLibrary) owns retry/backoff across convergence ticks.
func (f *Fetcher) DownloadFileAsync(ctx context.Context, rawURL, localPath string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, errs.Wrap(errs.KindInvalidArgument, "parse download url", err)
	}

	switch u.Scheme {
	case "s3":
		return f.downloadS3(ctx, u, localPath)
	case "http", "https", "":
		return f.downloadHTTP(ctx, rawURL, localPath)
	default:
		return false, errs.New(errs.KindInvalidArgument, fmt.Sprintf("unsupported download scheme %q", u.Scheme))
	}
}

func (f *Fetcher) downloadHTTP(ctx context.Context, rawURL, localPath string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, errs.Wrap(errs.KindInvalidArgument, "build download request", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return false, errs.Wrap(errs.KindNetworkTransient, "download request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errs.New(errs.KindNetworkTransient, fmt.Sprintf("download returned status %d", resp.StatusCode))
	}

	declaredSize := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			declaredSize = n
		}
	}
	if err := f.checkSize(localPath, declaredSize); err != nil {
		return false, err
	}

	return true, f.writeAtomically(localPath, resp.Body)
}

func (f *Fetcher) downloadS3(ctx context.Context, u *url.URL, localPath string) (bool, error) {
	if f.s3 == nil {
		return false, errs.New(errs.KindNetworkAuth, "no s3 client configured")
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	head, err := f.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return false, errs.Wrap(errs.KindNetworkTransient, "s3 head object failed", err)
	}
	declaredSize := int64(-1)
	if head.ContentLength != nil {
		declaredSize = *head.ContentLength
	}
	if err := f.checkSize(localPath, declaredSize); err != nil {
		return false, err
	}

	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return false, errs.Wrap(errs.KindNetworkTransient, "s3 get object failed", err)
	}
	defer out.Body.Close()

	return true, f.writeAtomically(localPath, out.Body)
}

func (f *Fetcher) checkSize(localPath string, declaredSize int64) error {
	if declaredSize < 0 {
		return nil
	}
	if f.maxFileDownloadSize > 0 && declaredSize > f.maxFileDownloadSize {
		logging.Op().Error("download refused: size exceeded",
			"localPath", localPath, "declaredSize", declaredSize, "maxFileDownloadSize", f.maxFileDownloadSize)
		return errs.New(errs.KindSizeExceeded, fmt.Sprintf("declared size %d exceeds maxFileDownloadSize %d", declaredSize, f.maxFileDownloadSize))
	}
	if f.largeFileSize > 0 && declaredSize > f.largeFileSize {
		logging.Op().Warn("download deferred: too large for now",
			"localPath", localPath, "declaredSize", declaredSize, "largeFileSize", f.largeFileSize)
		return errs.New(errs.KindTooLargeToDownloadNow, fmt.Sprintf("declared size %d exceeds largeFileSize %d", declaredSize, f.largeFileSize))
	}
	return nil
}

// writeAtomically streams src to a sibling temp file under dir/temp and
// renames it into place, so a concurrent reader of localPath never
// observes a partially written file.
func (f *Fetcher) writeAtomically(localPath string, src io.Reader) error {
	dir := filepath.Dir(localPath)
	tempDir := filepath.Join(dir, "temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return errs.Wrap(errs.KindUnknown, "create temp dir", err)
	}

	tmp, err := os.CreateTemp(tempDir, "download-*")
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return errs.Wrap(errs.KindNetworkTransient, "write download body", err)
	}
	if err := tmp.Sync(); err != nil {
		return errs.Wrap(errs.KindUnknown, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.KindUnknown, "close temp file", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindUnknown, "create destination dir", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return errs.Wrap(errs.KindUnknown, "rename into place", err)
	}
	return nil
}
