// Package extractor runs the external archive-extraction binary under a
// controlled process tree, piping it a request script and capturing its
// artifact output and logs.
//
// The original mechanism this replaces relies on fork to inherit
// arbitrary descriptors into the child; here that's reimplemented with
// Go's os/exec, which gives the same effect through explicit fd
// remapping (Cmd.Stdin, Cmd.Stdout/Stderr, Cmd.ExtraFiles) rather than an
// inherited global descriptor table.
package extractor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/reqscript"
)

// Driver runs the extractor binary for a worker host.
type Driver struct {
	// Executable is the path to the extractor binary (server --mars-executable).
	Executable string
	// LogDir holds one <uid>.log file per invocation.
	LogDir string
	Log    *logrus.Logger
}

// NewDriver constructs a Driver, failing fast if the log directory cannot
// be created; every invocation needs it to exist.
func NewDriver(executable, logDir string, log *logrus.Logger) (*Driver, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("extractor: create logdir %s: %w", logDir, err)
	}
	return &Driver{Executable: executable, LogDir: logDir, Log: log}, nil
}

// LogPath returns the path the extractor's combined stdout/stderr is
// captured to for a given uid.
func (d *Driver) LogPath(uid string) string {
	return filepath.Join(d.LogDir, uid+".log")
}

// Invocation is a running (or finished) extractor process plus whichever
// stream the caller asked to read the artifact from.
type Invocation struct {
	cmd     *exec.Cmd
	logFile *os.File
	// Artifact is the read end of the anonymous pipe in pipe mode; nil in
	// file mode, where the artifact is observed indirectly on disk.
	Artifact io.ReadCloser

	pipeWriteEnd *os.File
}

// StartPipe implements pipe mode: the artifact is streamed back to the
// caller over an anonymous pipe. The extractor is told to write to it via
// a TARGET='&N' line naming the inherited descriptor.
func (d *Driver) StartPipe(requests []model.Request, environ map[string]string, uid string) (*Invocation, error) {
	artifactRead, artifactWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("extractor: create artifact pipe: %w", err)
	}

	logFile, err := os.OpenFile(d.LogPath(uid), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		artifactRead.Close()
		artifactWrite.Close()
		return nil, fmt.Errorf("extractor: open log file: %w", err)
	}

	cmd := exec.Command(d.Executable)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.ExtraFiles = []*os.File{artifactWrite}
	// ExtraFiles[0] lands at fd 3 in the child (0,1,2 are the standard
	// streams already assigned above).
	targetFD := 3
	cmd.Env = buildEnviron(environ, uid)

	script := reqscript.Encode(requests, fmt.Sprintf("&%d", targetFD))
	cmd.Stdin = strings.NewReader(script)

	if err := cmd.Start(); err != nil {
		artifactRead.Close()
		artifactWrite.Close()
		logFile.Close()
		return nil, fmt.Errorf("extractor: start: %w", err)
	}

	// The parent's copy of the write end must be closed so that the
	// child's copy is the only one keeping the pipe open; otherwise the
	// reader never sees EOF once the child exits.
	artifactWrite.Close()

	return &Invocation{cmd: cmd, logFile: logFile, Artifact: artifactRead, pipeWriteEnd: artifactWrite}, nil
}

// StartFile implements file mode: the TARGET= line names a filesystem
// path directly, and no artifact pipe is created — the caller watches the
// target file's size on disk instead.
func (d *Driver) StartFile(requests []model.Request, environ map[string]string, uid, targetPath string) (*Invocation, error) {
	logFile, err := os.OpenFile(d.LogPath(uid), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("extractor: open log file: %w", err)
	}

	cmd := exec.Command(d.Executable)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = buildEnviron(environ, uid)

	script := reqscript.Encode(requests, targetPath)
	cmd.Stdin = strings.NewReader(script)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("extractor: start: %w", err)
	}

	return &Invocation{cmd: cmd, logFile: logFile}, nil
}

// buildEnviron augments the caller-provided environment with a namespaced
// copy of every entry (MARS_ENVIRON_<KEY>) plus a request-id entry
// defaulting to uid (MARS_ENVIRON_REQUEST_ID).
func buildEnviron(environ map[string]string, uid string) []string {
	out := os.Environ()
	for k, v := range environ {
		out = append(out, "MARS_ENVIRON_"+strings.ToUpper(k)+"="+v)
	}
	if _, ok := environ["request_id"]; !ok {
		out = append(out, "MARS_ENVIRON_REQUEST_ID="+uid)
	}
	return out
}

// Pid returns the extractor's process id.
func (inv *Invocation) Pid() int {
	return inv.cmd.Process.Pid
}

// Kill sends SIGKILL; this is the only signal treated as a non-retryable
// cancellation.
func (inv *Invocation) Kill() error {
	return inv.cmd.Process.Signal(syscall.SIGKILL)
}

// Signal sends an arbitrary signal, for a stop gentler than Kill. Neither
// engine uses it; the WebSocket engine's "kill" command calls Kill.
func (inv *Invocation) Signal(sig syscall.Signal) error {
	return inv.cmd.Process.Signal(sig)
}

// Wait blocks until the extractor exits, closes the log file, and returns
// its classification. The artifact pipe (if any) is not closed here; the
// caller is expected to have already drained it to EOF before calling
// Wait.
func (inv *Invocation) Wait() Classification {
	err := inv.cmd.Wait()
	inv.logFile.Close()
	return classify(inv.cmd.ProcessState, err)
}

// ExitKind enumerates how an extractor invocation ended.
type ExitKind int

const (
	ExitSuccess ExitKind = iota
	ExitNonZero
	ExitSignaled
)

// Classification is the caller-facing result of an extractor invocation.
type Classification struct {
	Kind          ExitKind
	Code          int
	Signal        syscall.Signal
	RetrySameHost bool
	RetryNextHost bool
}

// Message renders a short human-readable description of the classification,
// suitable for the JSON error body and client-visible log concatenation.
func (c Classification) Message() string {
	switch c.Kind {
	case ExitSuccess:
		return "extractor exited successfully"
	case ExitSignaled:
		return "extractor killed by signal " + strconv.Itoa(int(c.Signal)) + " (" + c.Signal.String() + ")"
	default:
		return "extractor exited with code " + strconv.Itoa(c.Code)
	}
}

func classify(state *os.ProcessState, waitErr error) Classification {
	if waitErr == nil && state.Success() {
		return Classification{Kind: ExitSuccess}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return Classification{
			Kind:          ExitSignaled,
			Signal:        sig,
			RetrySameHost: false,
			RetryNextHost: retryNextHostForSignal(sig),
		}
	}

	code := state.ExitCode()
	if code >= 128 {
		sig := syscall.Signal(code - 128)
		return Classification{
			Kind:          ExitSignaled,
			Signal:        sig,
			RetrySameHost: false,
			RetryNextHost: retryNextHostForSignal(sig),
		}
	}

	return Classification{Kind: ExitNonZero, Code: code}
}

// retryNextHostForSignal classifies a terminating signal for retry
// purposes: SIGHUP/SIGTERM/SIGQUIT must not set retry_same_host and may
// set retry_next_host; SIGKILL (the cancellation signal) must clear both.
func retryNextHostForSignal(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGKILL:
		return false
	case syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT:
		return true
	default:
		return true
	}
}
