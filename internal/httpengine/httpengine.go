// Package httpengine implements the worker's HTTP surface: request
// submission, coalescing against in-flight and completed work, log
// streaming, and cleanup.
package httpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/audit"
	"github.com/kenchrcum/weathergw/internal/cacheindex"
	"github.com/kenchrcum/weathergw/internal/debug"
	"github.com/kenchrcum/weathergw/internal/extractor"
	"github.com/kenchrcum/weathergw/internal/fingerprint"
	"github.com/kenchrcum/weathergw/internal/metrics"
	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/shareresolve"
	"github.com/kenchrcum/weathergw/internal/wireproto"
)

var transferringBytesRE = regexp.MustCompile(`Transfering (\d+) bytes`)

// Default timing constants.
const (
	DefaultWriteTimeout   = 30 * time.Second
	DefaultSizeScrapeWait = 40 * time.Second
	sizePollInterval      = 250 * time.Millisecond
	chunkBufferSize       = 64 * 1024
)

// Handler serves the worker HTTP surface.
type Handler struct {
	Host string // this worker's nodename, stored in cache entries it owns
	// CacheRoot is the worker-local filesystem prefix shares are mounted
	// under; joined with a share name to produce an absolute Target path.
	// A COMPLETED entry's target must name an existing regular file on
	// this host. Shares themselves stay bare names throughout the rest of
	// the Handler (cache entries, CACHE_CONFIG) since that's what the
	// client compares its own configured shares against.
	CacheRoot   string
	Shares      []string
	CacheFolder string
	LogDir      string

	Index   cacheindex.Index
	Driver  *extractor.Driver
	Log     *logrus.Logger
	Metrics *metrics.Metrics
	Audit   audit.Logger

	WriteTimeout   time.Duration
	SizeScrapeWait time.Duration

	Rand *rand.Rand
}

// NewHandler constructs a Handler with the default timeouts.
func NewHandler(host, cacheRoot string, shares []string, cacheFolder, logDir string, idx cacheindex.Index, drv *extractor.Driver, log *logrus.Logger, m *metrics.Metrics, al audit.Logger) *Handler {
	return &Handler{
		Host:           host,
		CacheRoot:      cacheRoot,
		Shares:         shares,
		CacheFolder:    cacheFolder,
		LogDir:         logDir,
		Index:          idx,
		Driver:         drv,
		Log:            log,
		Metrics:        m,
		Audit:          al,
		WriteTimeout:   DefaultWriteTimeout,
		SizeScrapeWait: DefaultSizeScrapeWait,
	}
}

// RegisterRoutes registers the worker HTTP surface on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/", h.handlePing).Methods(http.MethodHead)
	r.HandleFunc("/{uid}", h.handleGetLog).Methods(http.MethodGet)
	r.HandleFunc("/{uid}", h.handleDeleteLog).Methods(http.MethodDelete)
}

// submitBody is the JSON body of a POST / request.
type submitBody struct {
	Request model.Request         `json:"request"`
	Environ map[string]string     `json:"environ"`
	Type    wireproto.RequestType `json:"type"`
}

var uidPattern = regexp.MustCompile(`^[a-f0-9-]{36}$`)

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := map[string]any{"SHARES": h.Shares}
	data, _ := json.Marshal(cfg)
	w.Header().Set(wireproto.HeaderCacheConfig, string(data))
	w.WriteHeader(http.StatusNoContent)
	h.recordHTTP(http.MethodHead, "/", http.StatusNoContent, start, 0)
}

func (h *Handler) handleGetLog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uid := mux.Vars(r)["uid"]
	if !uidPattern.MatchString(uid) {
		http.NotFound(w, r)
		h.recordHTTP(http.MethodGet, r.URL.Path, http.StatusNotFound, start, 0)
		return
	}

	data, err := os.ReadFile(h.Driver.LogPath(uid))
	if err != nil {
		http.NotFound(w, r)
		h.recordHTTP(http.MethodGet, r.URL.Path, http.StatusNotFound, start, 0)
		return
	}

	w.Header().Set("Content-Type", wireproto.ContentTypePlainText)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	h.recordHTTP(http.MethodGet, r.URL.Path, http.StatusOK, start, int64(len(data)))
}

func (h *Handler) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uid := mux.Vars(r)["uid"]
	if uidPattern.MatchString(uid) {
		_ = os.Remove(h.Driver.LogPath(uid))
	}
	w.WriteHeader(http.StatusNoContent)
	h.recordHTTP(http.MethodDelete, r.URL.Path, http.StatusNoContent, start, 0)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusBadRequest, start, 0)
		return
	}
	if body.Type == "" {
		body.Type = wireproto.TypeFile
	}

	uid := uuid.NewString()
	if body.Environ == nil {
		body.Environ = map[string]string{}
	}
	body.Environ["request_id"] = uid

	if body.Type == wireproto.TypePipe {
		h.handleSubmitPipe(w, r, body, uid, start)
		return
	}
	h.handleSubmitFile(w, r, body, uid, start)
}

func (h *Handler) handleSubmitPipe(w http.ResponseWriter, r *http.Request, body submitBody, uid string, start time.Time) {
	inv, err := h.Driver.StartPipe([]model.Request{body.Request}, body.Environ, uid)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to start extractor: %v", err), http.StatusInternalServerError)
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
		return
	}

	classCh := make(chan extractor.Classification, 1)
	go func() { classCh <- inv.Wait() }()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkBufferSize)
	headerSent := false
	bytesSent := int64(0)
	disconnected := r.Context().Done()

	for {
		readDone := make(chan struct {
			n   int
			err error
		}, 1)
		go func() {
			n, err := inv.Artifact.Read(buf)
			readDone <- struct {
				n   int
				err error
			}{n, err}
		}()

		select {
		case <-disconnected:
			_ = inv.Kill()
			inv.Artifact.Close()
			<-classCh
			return
		case <-time.After(h.WriteTimeout):
			_ = inv.Kill()
			inv.Artifact.Close()
			<-classCh
			return
		case res := <-readDone:
			if res.n > 0 {
				if !headerSent {
					w.Header().Set("Content-Type", wireproto.ContentTypeBinary)
					w.Header().Set(wireproto.HeaderUID, uid)
					w.WriteHeader(http.StatusOK)
					headerSent = true
				}
				w.Write(buf[:res.n])
				if flusher != nil {
					flusher.Flush()
				}
				bytesSent += int64(res.n)
				if debug.Enabled() {
					h.Log.WithFields(logrus.Fields{"uid": uid, "chunk_bytes": res.n, "total_bytes": bytesSent}).Debug("httpengine: chunk sent")
				}
			}
			if res.err == io.EOF {
				inv.Artifact.Close()
				class := <-classCh
				h.finishPipe(w, r, class, uid, headerSent, start, bytesSent)
				return
			}
			if res.err != nil {
				inv.Artifact.Close()
				<-classCh
				return
			}
		}
	}
}

func (h *Handler) finishPipe(w http.ResponseWriter, r *http.Request, class extractor.Classification, uid string, headerSent bool, start time.Time, bytesSent int64) {
	if class.Kind == extractor.ExitSuccess {
		if h.Metrics != nil {
			h.Metrics.RecordExtraction("pipe", time.Since(start), "")
		}
		if !headerSent {
			// Extractor produced zero bytes but exited cleanly; still a
			// successful (empty) response.
			w.Header().Set("Content-Type", wireproto.ContentTypeBinary)
			w.Header().Set(wireproto.HeaderUID, uid)
			w.WriteHeader(http.StatusOK)
		}
		// ENDR closes the record; the client treats EOF without it as a
		// truncated transfer.
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		w.Write([]byte(wireproto.SentinelEndRecord))
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusOK, start, bytesSent)
		return
	}

	errKind := "exit"
	if class.Kind == extractor.ExitSignaled {
		errKind = "signal"
	}
	if h.Metrics != nil {
		h.Metrics.RecordExtraction("pipe", time.Since(start), errKind)
	}

	frame := classificationToFrame(class)
	if !headerSent {
		status := http.StatusBadRequest
		if class.Kind == extractor.ExitSignaled {
			status = http.StatusInternalServerError
		}
		setClassificationHeaders(w, class)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(frame)
		h.recordHTTP(http.MethodPost, r.URL.Path, status, start, 0)
		return
	}

	// Bytes were already sent with a 200 status; surface the failure
	// in-band via the EROR sentinel instead of a fresh status line. The
	// flush between the sentinel and the frame keeps them in separate
	// chunks so the sentinel stays exactly 4 bytes on the wire.
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	w.Write([]byte(wireproto.SentinelError))
	if flusher != nil {
		flusher.Flush()
	}
	data, _ := json.Marshal(frame)
	w.Write(data)
	h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusOK, start, 0)
}

func classificationToFrame(class extractor.Classification) wireproto.ErrorFrame {
	frame := wireproto.ErrorFrame{
		Message:       class.Message(),
		RetrySameHost: class.RetrySameHost,
		RetryNextHost: class.RetryNextHost,
	}
	switch class.Kind {
	case extractor.ExitNonZero:
		code := class.Code
		frame.ExitCode = &code
	case extractor.ExitSignaled:
		sig := int(class.Signal)
		frame.Signal = &sig
	}
	return frame
}

func setClassificationHeaders(w http.ResponseWriter, class extractor.Classification) {
	switch class.Kind {
	case extractor.ExitNonZero:
		w.Header().Set(wireproto.HeaderExitCode, fmt.Sprintf("%d", class.Code))
	case extractor.ExitSignaled:
		w.Header().Set(wireproto.HeaderSignal, fmt.Sprintf("%d", int(class.Signal)))
	}
	w.Header().Set(wireproto.HeaderRetrySameHost, boolHeader(class.RetrySameHost))
	w.Header().Set(wireproto.HeaderRetryNextHost, boolHeader(class.RetryNextHost))
}

func boolHeader(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// handleSubmitFile implements the coalescing protocol: a cache miss, a
// FAILED entry, or a COMPLETED entry whose file is gone starts a new
// extraction; a QUEUED/RUNNING entry, or a COMPLETED entry whose file
// exists, is handed back without starting one.
func (h *Handler) handleSubmitFile(w http.ResponseWriter, r *http.Request, body submitBody, uid string, start time.Time) {
	ctx := r.Context()
	fp := fingerprint.Fingerprint(body.Request)

	entry, err := h.Index.Get(ctx, fp)
	startExtraction := false

	switch {
	case err == cacheindex.ErrNotFound:
		entry, err = h.newQueuedEntry(fp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
			return
		}
		if err := h.Index.Set(ctx, fp, entry); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
			return
		}
		startExtraction = true
		if h.Metrics != nil {
			h.Metrics.RecordCoalesceMiss("miss")
		}
		if h.Audit != nil {
			h.Audit.LogSubmit(fp, entry.Host, entry.Share, entry.Target, nil)
		}

	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
		return

	case entry.Status == model.StatusQueued || entry.Status == model.StatusRunning:
		entry.Access++
		_ = h.Index.Set(ctx, fp, entry)
		h.respondWithEntry(w, uid, entry)
		if h.Metrics != nil {
			h.Metrics.RecordCoalesceHit(string(entry.Status))
		}
		if h.Audit != nil {
			h.Audit.LogCoalesceHit(fp, entry.Host, entry.Target, string(entry.Status))
		}
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusOK, start, 0)
		return

	case entry.Status == model.StatusCompleted:
		if _, statErr := os.Stat(entry.Target); statErr == nil {
			entry.Access++
			_ = h.Index.Set(ctx, fp, entry)
			h.respondWithEntry(w, uid, entry)
			if h.Metrics != nil {
				h.Metrics.RecordCoalesceHit(string(entry.Status))
			}
			if h.Audit != nil {
				h.Audit.LogCoalesceHit(fp, entry.Host, entry.Target, string(entry.Status))
			}
			h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusOK, start, 0)
			return
		}
		// Degrade to miss: the file is gone (likely orphan-cleaned), so
		// the entry is stale.
		entry, err = h.newQueuedEntry(fp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
			return
		}
		if err := h.Index.Set(ctx, fp, entry); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
			return
		}
		startExtraction = true
		if h.Metrics != nil {
			h.Metrics.RecordCoalesceMiss("stale_completed")
		}

	case entry.Status == model.StatusFailed:
		entry = &model.CacheEntry{
			Status: model.StatusQueued,
			Host:   h.Host,
			Share:  entry.Share,
			Target: entry.Target,
		}
		if err := h.Index.Set(ctx, fp, entry); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
			return
		}
		startExtraction = true
		if h.Metrics != nil {
			h.Metrics.RecordCoalesceMiss("retry_failed")
		}
		if h.Audit != nil {
			h.Audit.LogSubmit(fp, entry.Host, entry.Share, entry.Target, nil)
		}

	default:
		http.Error(w, fmt.Sprintf("cacheindex: invalid stored status %q", entry.Status), http.StatusInternalServerError)
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
		return
	}

	if !startExtraction {
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusOK, start, 0)
		return
	}

	inv, err := h.Driver.StartFile([]model.Request{body.Request}, body.Environ, uid, entry.Target)
	if err != nil {
		entry.Status = model.StatusFailed
		entry.Message = err.Error()
		_ = h.Index.Set(ctx, fp, entry)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusInternalServerError, start, 0)
		return
	}

	sizeCh := make(chan int64, 1)
	// The monitor mutates entry as the extraction proceeds; the timeout
	// response reports the QUEUED state the entry was written in.
	queued := *entry
	go h.monitorFileExtraction(context.Background(), inv, fp, entry)
	go h.scrapeSize(h.Driver.LogPath(uid), sizeCh)

	select {
	case size := <-sizeCh:
		entry.Status = model.StatusRunning
		entry.Size = size
		_ = h.Index.Set(ctx, fp, entry)
		h.respondWithEntry(w, uid, entry)
	case <-time.After(h.SizeScrapeWait):
		h.respondWithEntry(w, uid, &queued)
	}
	h.recordHTTP(http.MethodPost, r.URL.Path, http.StatusOK, start, 0)
}

func (h *Handler) newQueuedEntry(fp string) (*model.CacheEntry, error) {
	share, err := shareresolve.ChooseShare(h.Shares, h.Rand)
	if err != nil {
		return nil, err
	}
	return &model.CacheEntry{
		Status: model.StatusQueued,
		Host:   h.Host,
		Share:  share,
		Target: filepath.Join(h.CacheRoot, share, h.CacheFolder, fp+".grib"),
	}, nil
}

func (h *Handler) respondWithEntry(w http.ResponseWriter, uid string, entry *model.CacheEntry) {
	data, _ := json.Marshal(entry)
	w.Header().Set(wireproto.HeaderUID, uid)
	w.Header().Set(wireproto.HeaderData, string(data))
	w.WriteHeader(http.StatusOK)
}

// scrapeSize polls the extractor's log file for the "Transfering N bytes"
// line, sending the parsed size once found. It gives up silently after
// SizeScrapeWait; the caller's own select timeout handles that case.
func (h *Handler) scrapeSize(logPath string, sizeCh chan<- int64) {
	deadline := time.Now().Add(h.SizeScrapeWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if time.Now().After(deadline) {
			return
		}
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		m := transferringBytesRE.FindSubmatch(data)
		if m == nil {
			continue
		}
		var size int64
		fmt.Sscanf(string(m[1]), "%d", &size)
		select {
		case sizeCh <- size:
		default:
		}
		return
	}
}

// monitorFileExtraction runs independently of the HTTP request/response
// cycle: it waits for the extractor to exit and polls the target file's
// size, transitioning the cache entry to its terminal state. The cache
// write is the only place a status transition becomes durable.
func (h *Handler) monitorFileExtraction(ctx context.Context, inv *extractor.Invocation, fp string, entry *model.CacheEntry) {
	start := time.Now()
	classCh := make(chan extractor.Classification, 1)
	go func() { classCh <- inv.Wait() }()

	ticker := time.NewTicker(sizePollInterval)
	defer ticker.Stop()

	var class *extractor.Classification
	for {
		select {
		case c := <-classCh:
			class = &c
		case <-ticker.C:
		}

		info, statErr := os.Stat(entry.Target)
		if statErr == nil && entry.Size > 0 && info.Size() >= entry.Size {
			entry.Status = model.StatusCompleted
			entry.Size = info.Size()
			_ = h.Index.Set(ctx, fp, entry)
			if h.Metrics != nil {
				h.Metrics.RecordExtraction("file", time.Since(start), "")
			}
			if h.Audit != nil {
				h.Audit.LogComplete(fp, entry.Host, entry.Target, time.Since(start))
			}
			return
		}

		if class != nil {
			if class.Kind == extractor.ExitSuccess && statErr == nil {
				entry.Status = model.StatusCompleted
				entry.Size = info.Size()
				_ = h.Index.Set(ctx, fp, entry)
				if h.Metrics != nil {
					h.Metrics.RecordExtraction("file", time.Since(start), "")
				}
				if h.Audit != nil {
					h.Audit.LogComplete(fp, entry.Host, entry.Target, time.Since(start))
				}
				return
			}

			entry.Status = model.StatusFailed
			entry.Message = class.Message()
			_ = h.Index.Set(ctx, fp, entry)
			errKind := "exit"
			if class.Kind == extractor.ExitSignaled {
				errKind = "signal"
			}
			if h.Metrics != nil {
				h.Metrics.RecordExtraction("file", time.Since(start), errKind)
			}
			if h.Audit != nil {
				h.Audit.LogFail(fp, entry.Host, entry.Target, fmt.Errorf("%s", class.Message()), time.Since(start))
			}
			return
		}
	}
}

func (h *Handler) recordHTTP(method, path string, status int, start time.Time, bytes int64) {
	if h.Metrics != nil {
		h.Metrics.RecordHTTPRequest(method, path, status, time.Since(start), bytes)
	}
}
