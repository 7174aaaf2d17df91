// Package clientsession implements a single attempt against one worker
// URL: HEAD probe, POST submission, status-code classification, and — in
// pipe mode — the chunked transfer loop with rewind/truncate semantics.
// The cluster client in internal/cluster is the only caller that decides
// whether to retry.
package clientsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/shareresolve"
	"github.com/kenchrcum/weathergw/internal/wireproto"
)

// DefaultPollInterval is how long Execute sleeps between re-executions of
// a session that observes a QUEUED/RUNNING entry.
const DefaultPollInterval = 2 * time.Second

// readBufferSize must exceed the largest single chunk the worker ever
// writes in one call, so a chunk is never split across Reads. The inverse
// is not guaranteed: net/http's chunked decoder can merge a chunk with an
// already-buffered successor into one Read, in which case a sentinel
// arriving back-to-back with data would be missed by the length check and
// written to the target as data. The worker flushes after every chunk,
// which in practice delivers each one in its own segment; a sturdier
// protocol would length-prefix and type-tag every frame rather than
// inspect chunk sizes.
const readBufferSize = 256 * 1024

// Session executes single attempts against one worker base URL.
type Session struct {
	HTTPClient *http.Client
	BaseURL    string
	// Shares lists the share names this client can read locally; used to
	// validate the worker's CACHE_CONFIG covers every one of them.
	Shares       []string
	Resolver     *shareresolve.Resolver
	PollInterval time.Duration
	Log          *logrus.Logger
}

// Result is the outcome of a single-host attempt, reclassified at the
// session boundary before it reaches the cluster client's retry policy.
type Result struct {
	Err           error
	Message       string
	RetrySameHost bool
	RetryNextHost bool
	Data          *model.CacheEntry
	Resolution    shareresolve.Resolution
	// BytesWritten is the target file's size after a pipe-mode transfer,
	// used by the cluster client to compute the next element's position.
	BytesWritten int64
}

func (s *Session) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return DefaultPollInterval
}

// Execute runs req against s.BaseURL, polling internally while the worker
// reports QUEUED/RUNNING, and returns the final classified Result. target,
// openMode ("wb" or "ab") and position are only meaningful in pipe mode.
func (s *Session) Execute(ctx context.Context, req model.Request, environ map[string]string, reqType wireproto.RequestType, target, openMode string, position int64) Result {
	for {
		result, uid, polling := s.attempt(ctx, req, environ, reqType, target, openMode, position)
		if !polling {
			s.cleanupLog(ctx, uid)
			return result
		}

		select {
		case <-ctx.Done():
			return Result{Err: ctx.Err(), Message: "context cancelled while polling", RetrySameHost: false, RetryNextHost: false}
		case <-time.After(s.pollInterval()):
		}
	}
}

func (s *Session) attempt(ctx context.Context, req model.Request, environ map[string]string, reqType wireproto.RequestType, target, openMode string, position int64) (result Result, uid string, polling bool) {
	headResult, ok := s.probe(ctx)
	if !ok {
		return headResult, "", false
	}

	body, err := json.Marshal(map[string]any{"request": req, "environ": environ, "type": reqType})
	if err != nil {
		return Result{Err: err, Message: err.Error()}, "", false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err, Message: err.Error()}, "", false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{Err: err, Message: err.Error(), RetryNextHost: true}, "", false
	}
	defer resp.Body.Close()

	uid = resp.Header.Get(wireproto.HeaderUID)

	if dataHeader := resp.Header.Get(wireproto.HeaderData); dataHeader != "" && resp.StatusCode == http.StatusOK {
		result, polling = s.handleEntry(ctx, dataHeader)
		return result, uid, polling
	}

	if resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Type") == wireproto.ContentTypeBinary {
		return s.transferLoop(resp, target, openMode, position), uid, false
	}

	return s.classifyStatus(resp), uid, false
}

// probe sends a HEAD request to the URL and validates that the returned
// CACHE_CONFIG covers every one of this client's configured shares.
func (s *Session) probe(ctx context.Context) (Result, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.BaseURL, nil)
	if err != nil {
		return Result{Err: err, Message: err.Error()}, false
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return Result{Err: err, Message: err.Error(), RetryNextHost: true}, false
	}
	defer resp.Body.Close()

	cfgHeader := resp.Header.Get(wireproto.HeaderCacheConfig)
	if cfgHeader == "" {
		return Result{Err: fmt.Errorf("clientsession: worker HEAD missing CACHE_CONFIG"), Message: "worker HEAD missing CACHE_CONFIG", RetryNextHost: true}, false
	}

	var cfg struct {
		Shares []string `json:"SHARES"`
	}
	if err := json.Unmarshal([]byte(cfgHeader), &cfg); err != nil {
		return Result{Err: err, Message: "malformed CACHE_CONFIG", RetryNextHost: true}, false
	}

	if !covers(cfg.Shares, s.Shares) {
		return Result{Err: fmt.Errorf("clientsession: worker does not cover all configured shares"), Message: "worker does not cover all configured shares", RetryNextHost: true}, false
	}
	return Result{}, true
}

// covers reports whether the worker's published shares include every share
// this client is configured to read. Anything less and the worker could
// hand back an entry on a share the client cannot reach locally.
func covers(workerShares, clientShares []string) bool {
	set := make(map[string]struct{}, len(workerShares))
	for _, s := range workerShares {
		set[s] = struct{}{}
	}
	for _, s := range clientShares {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// handleEntry implements the file-mode branch: inspect the decoded cache
// entry and either report it as still in progress, resolve it to a local
// path or mirror URL, or surface its failure message.
func (s *Session) handleEntry(ctx context.Context, dataHeader string) (Result, bool) {
	var entry model.CacheEntry
	if err := json.Unmarshal([]byte(dataHeader), &entry); err != nil {
		return Result{Err: err, Message: "malformed X-DATA"}, false
	}

	switch entry.Status {
	case model.StatusQueued, model.StatusRunning:
		return Result{Data: &entry}, true

	case model.StatusCompleted:
		if s.Resolver == nil {
			return Result{Data: &entry}, false
		}
		resolution, err := s.Resolver.Resolve(&entry, nil)
		if err != nil {
			return Result{Err: err, Message: err.Error(), Data: &entry}, false
		}
		if resolution.MirrorURL != "" {
			if err := shareresolve.VerifyMirror(s.HTTPClient, resolution.MirrorURL); err != nil {
				return Result{Err: err, Message: err.Error(), Data: &entry}, false
			}
		}
		return Result{Data: &entry, Resolution: resolution}, false

	case model.StatusFailed:
		return Result{Err: fmt.Errorf("clientsession: extraction failed: %s", entry.Message), Message: entry.Message, RetryNextHost: true, Data: &entry}, false

	default:
		msg := fmt.Sprintf("unrecognized cache entry status %q", entry.Status)
		return Result{Err: fmt.Errorf("clientsession: %s", msg), Message: msg}, false
	}
}

// classifyStatus maps the remaining non-entry, non-streaming response
// status codes onto a Result.
func (s *Session) classifyStatus(resp *http.Response) Result {
	result := Result{Message: fmt.Sprintf("worker returned %d", resp.StatusCode)}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		var frame wireproto.ErrorFrame
		if data, err := io.ReadAll(resp.Body); err == nil {
			_ = json.Unmarshal(data, &frame)
		}
		result.Message = frame.Message
		if result.Message == "" {
			result.Message = "extractor exited non-zero before any bytes"
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		result.RetryNextHost = true

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		// Retryable on this host first; once same-host retries are
		// exhausted the cluster client moves on to the next URL.
		result.RetrySameHost = true
		result.RetryNextHost = true

	case resp.StatusCode == http.StatusNotFound:
		// Unknown uid; not retryable at the protocol level.
	}

	if v := resp.Header.Get(wireproto.HeaderRetrySameHost); v != "" {
		result.RetrySameHost = v == "1"
	}
	if v := resp.Header.Get(wireproto.HeaderRetryNextHost); v != "" {
		result.RetryNextHost = v == "1"
	}
	// classifyStatus is only reached for responses that aren't a success
	// (200 with X-DATA or a streamed artifact), so every path here is a
	// terminal or retryable failure.
	result.Err = fmt.Errorf("clientsession: %s", result.Message)
	return result
}

// transferLoop consumes the chunked pipe-mode body, writing data chunks
// to target and honoring the three control sentinels.
func (s *Session) transferLoop(resp *http.Response, target, openMode string, position int64) Result {
	// "ab" keeps existing contents and writes from position; WriteAt is
	// used for all writes (O_APPEND would reject WriteAt), so append
	// semantics come from the starting position, not an open flag.
	flag := os.O_CREATE | os.O_WRONLY
	if openMode != "ab" {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(target, flag, 0o644)
	if err != nil {
		return Result{Err: err, Message: err.Error(), RetrySameHost: true}
	}
	defer f.Close()

	pos := int64(0)
	if openMode == "ab" {
		pos = position
	}

	buf := make([]byte, readBufferSize)
	sawEndRecord := false
	expectErrorFrame := false

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			if expectErrorFrame {
				var frame wireproto.ErrorFrame
				if err := json.Unmarshal(chunk, &frame); err != nil {
					return Result{Err: err, Message: "malformed EROR frame"}
				}
				return Result{
					Err:           fmt.Errorf("clientsession: %s", frame.Message),
					Message:       frame.Message,
					RetrySameHost: frame.RetrySameHost,
					RetryNextHost: frame.RetryNextHost,
				}
			}

			if sentinel, isSentinel := wireproto.IsSentinel(chunk); isSentinel {
				switch sentinel {
				case wireproto.SentinelRewind:
					if _, err := f.Seek(position, io.SeekStart); err != nil {
						return Result{Err: err, Message: err.Error(), RetrySameHost: true}
					}
					if err := f.Truncate(position); err != nil {
						return Result{Err: err, Message: err.Error(), RetrySameHost: true}
					}
					pos = position
				case wireproto.SentinelEndRecord:
					sawEndRecord = true
				case wireproto.SentinelError:
					expectErrorFrame = true
				default:
					msg := "protocol error: unrecognized 4-byte sentinel " + strconv.Quote(sentinel)
					return Result{Err: fmt.Errorf("clientsession: %s", msg), Message: msg, RetryNextHost: true}
				}
			} else {
				if _, err := f.WriteAt(chunk, pos); err != nil {
					return Result{Err: err, Message: err.Error(), RetrySameHost: true}
				}
				pos += int64(n)
			}
		}

		if readErr == io.EOF {
			if !sawEndRecord {
				return Result{Err: fmt.Errorf("clientsession: transfer ended without ENDR"), Message: "transfer ended without ENDR", RetrySameHost: true}
			}
			info, statErr := f.Stat()
			size := pos
			if statErr == nil {
				size = info.Size()
			}
			return Result{BytesWritten: size}
		}
		if readErr != nil {
			return Result{Err: readErr, Message: readErr.Error(), RetrySameHost: true}
		}
	}
}

// cleanupLog makes a best-effort GET+DELETE of the extractor log.
// Failures here never change the session's result.
func (s *Session) cleanupLog(ctx context.Context, uid string) {
	if uid == "" {
		return
	}
	logURL := strings.TrimRight(s.BaseURL, "/") + "/" + uid
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil); err == nil {
		if resp, err := s.HTTPClient.Do(req); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}
	if req, err := http.NewRequestWithContext(ctx, http.MethodDelete, logURL, nil); err == nil {
		if resp, err := s.HTTPClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}
}
