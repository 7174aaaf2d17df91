// Package shareresolve maps a completed cache entry's stored path to
// either a locally reachable path (when the client mounts the same
// share) or a mirror HTTPS URL.
package shareresolve

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kenchrcum/weathergw/internal/model"
)

// Resolver resolves cache entries into a locally-readable path or a mirror
// URL, given the client's own configured cache root and download servers.
type Resolver struct {
	// LocalCacheRoot is this client's mount point for the shares, used to
	// substitute for the entry's original (worker-side) cache-root prefix.
	LocalCacheRoot string
	// DownloadServers is the client's fallback list of HTTPS base URLs,
	// used when the entry carries none of its own.
	DownloadServers []string
	// WorkerCacheRoot is the cache-root prefix the worker recorded entry
	// targets under; LocalCacheRoot is substituted for it.
	WorkerCacheRoot string
	// CacheFolder is the cache-folder path segment included between the
	// share and the filename in a mirror URL
	// (<download_server>/<share>/<cache_folder>/<filename>).
	CacheFolder string
	// Rand, if non-nil, is used instead of math/rand's default source,
	// letting tests make the mirror choice deterministic.
	Rand *rand.Rand
}

// Resolution is the outcome of resolving a completed cache entry: exactly
// one of LocalPath or MirrorURL is set.
type Resolution struct {
	LocalPath string
	MirrorURL string
}

// Resolve substitutes the client's configured CACHE_ROOT for the entry's
// original prefix; if the resulting path doesn't exist, it falls back to
// a randomly chosen mirror.
func (r *Resolver) Resolve(entry *model.CacheEntry, entryDownloadServers []string) (Resolution, error) {
	localPath := r.substitutedPath(entry.Target)

	if localPath != "" {
		if _, err := os.Stat(localPath); err == nil {
			return Resolution{LocalPath: localPath}, nil
		}
	}

	servers := entryDownloadServers
	if len(servers) == 0 {
		servers = r.DownloadServers
	}
	if len(servers) == 0 {
		return Resolution{}, fmt.Errorf("shareresolve: %s not found locally and no download servers configured", entry.Target)
	}

	server := servers[r.randIntn(len(servers))]
	filename := filepath.Base(entry.Target)
	segments := []string{strings.TrimRight(server, "/"), entry.Share}
	if r.CacheFolder != "" {
		segments = append(segments, r.CacheFolder)
	}
	segments = append(segments, filename)
	url := strings.Join(segments, "/")
	return Resolution{MirrorURL: url}, nil
}

func (r *Resolver) substitutedPath(target string) string {
	if r.WorkerCacheRoot == "" || !strings.HasPrefix(target, r.WorkerCacheRoot) {
		return ""
	}
	rest := strings.TrimPrefix(target, r.WorkerCacheRoot)
	return filepath.Join(r.LocalCacheRoot, rest)
}

func (r *Resolver) randIntn(n int) int {
	if r.Rand != nil {
		return r.Rand.Intn(n)
	}
	return rand.Intn(n)
}

// ChooseShare picks one of the worker's configured share names at random;
// the HTTP engine calls this when it creates a fresh QUEUED entry for a
// fingerprint miss.
func ChooseShare(shares []string, rnd *rand.Rand) (string, error) {
	if len(shares) == 0 {
		return "", fmt.Errorf("shareresolve: no shares configured")
	}
	if rnd != nil {
		return shares[rnd.Intn(len(shares))], nil
	}
	return shares[rand.Intn(len(shares))], nil
}

// VerifyMirror issues a HEAD request against a mirror URL to confirm it
// is reachable before the client commits to it.
func VerifyMirror(client *http.Client, url string) error {
	resp, err := client.Head(url)
	if err != nil {
		return fmt.Errorf("shareresolve: HEAD %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("shareresolve: HEAD %s: status %d", url, resp.StatusCode)
	}
	return nil
}
