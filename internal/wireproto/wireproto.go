// Package wireproto defines the small set of reserved framing tokens used
// on the chunked pipe-mode transport and the HTTP header names both the
// worker engines and the client session agree on.
package wireproto

// Control sentinels. Each is exactly 4 bytes; a legitimate artifact chunk
// can never collide with one of these because the extractor contract
// guarantees it never emits an exactly-4-byte record at a chunk boundary.
const (
	// SentinelRewind tells the transfer loop to seek the target file back
	// to the session's saved position and truncate there; the worker has
	// restarted this extraction.
	SentinelRewind = "RWND"
	// SentinelEndRecord marks successful completion of the current
	// sub-request.
	SentinelEndRecord = "ENDR"
	// SentinelError announces that the next chunk is a JSON-encoded error
	// descriptor.
	SentinelError = "EROR"
)

// SentinelLen is the fixed byte length of every control sentinel. A chunk
// of any other length is always data, never a sentinel.
const SentinelLen = 4

// IsSentinel reports whether chunk occupies a reserved 4-byte control slot.
// This is a length check only: every exactly-4-byte chunk is reserved,
// whether or not its content matches a known token, so that the caller can
// fail fast on an unrecognized 4-byte chunk instead of writing it to the
// target file as if it were data. The returned string is the chunk's content; the
// caller switches on it against SentinelRewind/SentinelEndRecord/
// SentinelError and treats anything else as malformed.
func IsSentinel(chunk []byte) (string, bool) {
	if len(chunk) != SentinelLen {
		return "", false
	}
	return string(chunk), true
}

// Reserved HTTP header names.
const (
	HeaderUID            = "X-MARS-UID"
	HeaderExitCode       = "X-MARS-EXIT-CODE"
	HeaderSignal         = "X-MARS-SIGNAL"
	HeaderRetrySameHost  = "X-MARS-RETRY-SAME-HOST"
	HeaderRetryNextHost  = "X-MARS-RETRY-NEXT-HOST"
	HeaderData           = "X-DATA"
	HeaderCacheConfig    = "CACHE_CONFIG"
	ContentTypeBinary    = "application/binary"
	ContentTypePlainText = "text/plain"
)

// RequestType selects the transport mode a client asks a worker to use for
// a submitted request.
type RequestType string

const (
	TypePipe RequestType = "pipe"
	TypeFile RequestType = "file"
)

// ErrorFrame is the JSON payload that follows a SentinelError chunk, and
// also the body of a non-streaming error response.
type ErrorFrame struct {
	Message       string `json:"message"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	Signal        *int   `json:"signal,omitempty"`
	RetrySameHost bool   `json:"retry_same_host"`
	RetryNextHost bool   `json:"retry_next_host"`
}
