// Package fetch is the concurrent download engine: mirror failover,
// optional HTTP range resume, integrated checksum validation, and
// transparent xz/gzip/bzip2 decompression to a target path, all narrated
// over a bus.Bus event stream.
//
// Archive (package .deb) downloads that need neither resume nor streaming
// decompression are better served by github.com/cavaliergopher/grab/v3,
// which this repository also wires in for that simpler path (see
// internal/plan). This package exists for the harder case grab's opaque,
// automatic resume doesn't expose hooks for: verifying a partial file
// in-place before committing to resume it, and decompressing while
// checksumming in a single streamed pass.
package fetch

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/dionysius/oma-core/internal/bus"
	"github.com/dionysius/oma-core/internal/checksum"
	"github.com/dionysius/oma-core/internal/source"
)

var (
	ErrNotFound           = errors.New("fetch: remote returned 404")
	ErrChecksumMismatch   = errors.New("fetch: checksum mismatch")
	ErrAllMirrorsFailed   = errors.New("fetch: every mirror in the task's source list failed")
	ErrSendRequestTimeout = errors.New("fetch: timed out establishing the request")
	ErrDownloadTimeout    = errors.New("fetch: timed out before the download completed")
	ErrUnauthorized       = errors.New("fetch: 401 Unauthorized — check auth.conf.d credentials")
)

// DownloadSource is one mirror a Task may be fetched from. Sources are
// tried strictly in order; Kind determines whether it is dispatched over
// HTTP or read directly off disk.
type DownloadSource struct {
	URL  string
	Kind source.Kind
}

// Task is an immutable description of one file to fetch, executed exactly
// once by Download.
type Task struct {
	Sources        []DownloadSource
	Dir            string
	Filename       string
	ExpectedSHA256 string // empty means unverified
	AllowResume    bool
	Extract        bool  // if true and Filename ends in .xz/.gz/.bz2, decompress to Dir/Filename (without extension); the URL's extension is not consulted
	Size           int64 // declared size, for the global progress bar; 0 if unknown
	Message        string
	Index          int // position in the batch, threaded through events
}

// Summary is produced on a Task's success.
type Summary struct {
	Filename        string
	DownloadedBytes int64
	UsedMirrorIndex int
	Context         string
}

// Options configures a Fetcher.
type Options struct {
	Concurrency        int
	ChecksumRetries    int
	SendRequestTimeout time.Duration
	DownloadTimeout    time.Duration
	Auth               func(url string) (user, pass string, ok bool)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.ChecksumRetries <= 0 {
		o.ChecksumRetries = 3
	}
	if o.SendRequestTimeout <= 0 {
		o.SendRequestTimeout = 10 * time.Second
	}
	if o.DownloadTimeout <= 0 {
		o.DownloadTimeout = 5 * time.Minute
	}
	return o
}

// Fetcher drives Task execution over a bounded worker pool, publishing
// progress to a bus.Bus.
type Fetcher struct {
	client *http.Client
	bus    *bus.Bus
	opts   Options
}

// New builds a Fetcher. client's Timeout, if any, is left untouched —
// per-request timeouts are applied through context deadlines instead so
// SendRequestTimeout and DownloadTimeout can differ.
func New(client *http.Client, eventBus *bus.Bus, opts Options) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, bus: eventBus, opts: opts.withDefaults()}
}

// Download dispatches tasks at the configured concurrency and returns one
// Summary per task, in the same order as tasks. A task's own error does not
// abort the batch; the returned error is non-nil only if ctx was cancelled.
func (f *Fetcher) Download(ctx context.Context, tasks []Task) ([]Summary, error) {
	var total int64
	for _, t := range tasks {
		total += t.Size
	}
	if total > 0 {
		f.bus.Send(bus.Event{Kind: bus.NewGlobalProgressBar, Total: total})
	}

	pool := pond.NewResultPool[Summary](f.opts.Concurrency, pond.WithContext(ctx))
	group := pool.NewGroupContext(ctx)

	// Every task writes its own outcome into results[i] directly rather than
	// relying on group.Wait()'s returned slice, so a per-task error (already
	// narrated as a Failed event) never disturbs the positional correspondence
	// between tasks and results for the tasks that did succeed.
	results := make([]Summary, len(tasks))

	for i, t := range tasks {
		i, t := i, t
		group.SubmitErr(func() (Summary, error) {
			s, err := f.downloadOne(ctx, t)
			results[i] = s
			return s, err
		})
	}

	_, _ = group.Wait()

	f.bus.Send(bus.Event{Kind: bus.AllDone})

	if ctx.Err() != nil {
		return results, ctx.Err()
	}
	return results, nil
}

func (f *Fetcher) downloadOne(ctx context.Context, t Task) (Summary, error) {
	dest := filepath.Join(t.Dir, t.Filename)

	f.bus.Send(bus.Event{Kind: bus.NewProgressSpinner, Index: t.Index, Message: t.Message})

	if t.ExpectedSHA256 != "" {
		if ok, _ := checksum.VerifyFile(dest, checksum.SHA256, t.ExpectedSHA256); ok {
			f.bus.Send(bus.Event{Kind: bus.GlobalProgressInc, Delta: t.Size})
			f.bus.Send(bus.Event{Kind: bus.ProgressDone, Index: t.Index, Message: t.Message})
			return Summary{Filename: t.Filename, DownloadedBytes: t.Size, Context: t.Message}, nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= f.opts.ChecksumRetries; attempt++ {
		for mirrorIdx, src := range t.Sources {
			summary, err := f.tryMirror(ctx, t, src, dest)
			if err == nil {
				summary.UsedMirrorIndex = mirrorIdx
				f.bus.Send(bus.Event{Kind: bus.DownloadDone, Index: t.Index, Message: t.Message})
				return summary, nil
			}

			lastErr = err
			if errors.Is(err, ErrChecksumMismatch) {
				f.bus.Send(bus.Event{Kind: bus.ChecksumMismatch, Index: t.Index, File: t.Filename, Attempt: attempt})
				continue
			}
			if errors.Is(err, ErrNotFound) && mirrorIdx == len(t.Sources)-1 {
				break
			}
			f.bus.Send(bus.Event{Kind: bus.NextURL, Index: t.Index, File: t.Filename, Err: err})
		}
	}

	f.bus.Send(bus.Event{Kind: bus.Failed, Index: t.Index, File: t.Filename, Err: lastErr})
	return Summary{}, fmt.Errorf("%w: %v", ErrAllMirrorsFailed, lastErr)
}

func (f *Fetcher) tryMirror(ctx context.Context, t Task, src DownloadSource, dest string) (Summary, error) {
	switch src.Kind {
	case source.KindLocal:
		return f.copyLocal(src, dest, t)
	default:
		return f.downloadHTTP(ctx, t, src, dest)
	}
}

func (f *Fetcher) copyLocal(src DownloadSource, dest string, t Task) (Summary, error) {
	path := strings.TrimPrefix(src.URL, "file://")
	path = strings.TrimPrefix(path, "file:")

	in, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Summary{}, err
	}
	out, err := os.Create(dest)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, in)
	if err != nil {
		return Summary{}, err
	}

	if t.ExpectedSHA256 != "" {
		ok, err := checksum.VerifyFile(dest, checksum.SHA256, t.ExpectedSHA256)
		if err != nil {
			return Summary{}, err
		}
		if !ok {
			return Summary{}, ErrChecksumMismatch
		}
	}

	return Summary{Filename: t.Filename, DownloadedBytes: n, Context: t.Message}, nil
}

func (f *Fetcher) downloadHTTP(ctx context.Context, t Task, src DownloadSource, dest string) (Summary, error) {
	sendCtx, cancel := context.WithTimeout(ctx, f.opts.SendRequestTimeout)
	defer cancel()

	acceptRanges, remoteLen, err := f.head(sendCtx, src.URL)
	if err != nil && !errors.Is(err, errHeadUnsupported) {
		return Summary{}, err
	}

	var localSize int64
	var resume bool
	if t.AllowResume {
		if info, err := os.Stat(dest); err == nil {
			localSize = info.Size()
			resume = acceptRanges && remoteLen > 0 && localSize < remoteLen
		}
	}
	if !resume {
		localSize = 0
	}

	dlCtx, cancel2 := context.WithTimeout(ctx, f.opts.DownloadTimeout)
	defer cancel2()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return Summary{}, err
	}
	f.applyAuth(req, src.URL)
	if resume {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", localSize))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return Summary{}, ErrNotFound
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return Summary{}, ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		return Summary{}, fmt.Errorf("fetch: unexpected status %s", resp.Status)
	}

	openFlag := os.O_CREATE | os.O_WRONLY
	if resume && resp.StatusCode == http.StatusPartialContent {
		openFlag |= os.O_APPEND
	} else {
		openFlag |= os.O_TRUNC
		localSize = 0
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Summary{}, err
	}

	writeTarget := dest
	if t.Extract {
		writeTarget = strings.TrimSuffix(dest, filepath.Ext(dest))
	}

	file, err := os.OpenFile(writeTarget, openFlag, 0o644)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = file.Close() }()

	var validator *checksum.Validator
	if t.ExpectedSHA256 != "" {
		validator, err = checksum.New(checksum.SHA256, t.ExpectedSHA256)
		if err != nil {
			return Summary{}, err
		}
		if resume && localSize > 0 {
			if err := primeValidator(validator, dest, localSize); err != nil {
				return Summary{}, err
			}
		}
	}

	var reader io.Reader = resp.Body
	var counting countingReader
	counting.r = reader
	reader = &counting

	if t.Extract {
		reader, err = decompressingReader(reader, t.Filename)
		if err != nil {
			return Summary{}, err
		}
	}

	var writer io.Writer = file
	if validator != nil {
		writer = io.MultiWriter(file, validator)
	}

	buf := bufio.NewWriterSize(writer, 64*1024)
	written, err := io.Copy(buf, reader)
	if err != nil {
		return Summary{}, err
	}
	if err := buf.Flush(); err != nil {
		return Summary{}, err
	}

	f.bus.Send(bus.Event{Kind: bus.ProgressInc, Index: t.Index, Delta: written})

	if validator != nil && !validator.Finish() {
		_ = os.Remove(writeTarget)
		return Summary{}, ErrChecksumMismatch
	}

	return Summary{Filename: filepath.Base(writeTarget), DownloadedBytes: localSize + written, Context: t.Message}, nil
}

var errHeadUnsupported = errors.New("fetch: HEAD not supported")

func (f *Fetcher) head(ctx context.Context, url string) (acceptRanges bool, contentLength int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, 0, err
	}
	f.applyAuth(req, url)

	resp, err := f.client.Do(req)
	if err != nil {
		return false, 0, errHeadUnsupported
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return false, 0, errHeadUnsupported
	}

	acceptRanges = resp.Header.Get("Accept-Ranges") == "bytes"
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			contentLength = n
		}
	}
	return acceptRanges, contentLength, nil
}

func (f *Fetcher) applyAuth(req *http.Request, url string) {
	if f.opts.Auth == nil {
		return
	}
	if user, pass, ok := f.opts.Auth(url); ok {
		req.SetBasicAuth(user, pass)
	}
}

// primeValidator streams the first localSize bytes of an existing partial
// file through validator, so resuming a download continues hashing from
// where the prior attempt left off rather than only hashing the new bytes.
func primeValidator(v *checksum.Validator, path string, localSize int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.CopyN(v, f, localSize)
	return err
}

// decompressingReader wraps r with a transparent decompressor selected by
// filename's extension.
func decompressingReader(r io.Reader, filename string) (io.Reader, error) {
	switch filepath.Ext(filename) {
	case ".gz":
		return gzip.NewReader(r)
	case ".xz":
		return xz.NewReader(r)
	case ".bz2":
		return bzip2.NewReader(r, nil)
	default:
		return r, nil
	}
}

// countingReader is a thin io.Reader pass-through; kept as a named type
// (instead of an anonymous closure) so it can grow per-chunk progress
// events later without changing downloadHTTP's shape.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
