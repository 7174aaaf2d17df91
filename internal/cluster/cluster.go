// Package cluster implements randomized host iteration with same-host
// retry, and batched multi-request accumulation into one target file.
package cluster

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/clientsession"
	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/shareresolve"
	"github.com/kenchrcum/weathergw/internal/wireproto"
)

// DefaultRetries and DefaultRetryDelay are the single-host retry path
// defaults.
const (
	DefaultRetries    = 3
	DefaultRetryDelay = 2 * time.Second
)

// Cluster is an ordered list of worker base URLs plus the retry policy
// applied to each one.
type Cluster struct {
	URLs         []string
	Retries      int
	RetryDelay   time.Duration
	HTTPClient   *http.Client
	Shares       []string
	Resolver     *shareresolve.Resolver
	PollInterval time.Duration
	Log          *logrus.Logger
	Rand         *rand.Rand
}

func (c *Cluster) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return DefaultRetries
}

func (c *Cluster) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return DefaultRetryDelay
}

// Submit runs a single request against the cluster: shuffle the URL list,
// try the single-host path on each until one reports no error, and return
// the last reply if the list is exhausted.
func (c *Cluster) Submit(ctx context.Context, req model.Request, environ map[string]string, reqType wireproto.RequestType, target string) clientsession.Result {
	urls := c.shuffledURLs()

	var last clientsession.Result
	for _, u := range urls {
		last = c.singleHostAttempt(ctx, u, req, environ, reqType, target, "wb", 0)
		if last.Err == nil {
			return last
		}
		if !last.RetryNextHost {
			return last
		}
	}
	return last
}

// BatchResult is the outcome of a batched submission.
type BatchResult struct {
	Err     error
	Message string
	// Data is the last element's cache entry, if any.
	Data *model.CacheEntry
}

// SubmitBatch executes each element of requests in order against the
// accumulator, writing sequential sub-requests into target: later keys in
// an element overwrite earlier ones in the running
// accumulator, and each element is written starting at the prior element's
// final file size. On the first element failure, the accumulated
// per-attempt log messages (joined by newline) are returned.
func (c *Cluster) SubmitBatch(ctx context.Context, requests []model.Request, environ map[string]string, reqType wireproto.RequestType, target string) BatchResult {
	var accumulator model.Request
	openMode := "wb"
	var position int64
	var messages []string

	for i, element := range requests {
		if accumulator == nil {
			accumulator = element
		} else {
			accumulator = accumulator.Merge(element)
		}

		urls := c.shuffledURLs()
		var last clientsession.Result
		succeeded := false
		for _, u := range urls {
			last = c.singleHostAttempt(ctx, u, accumulator, environ, reqType, target, openMode, position)
			if last.Message != "" {
				messages = append(messages, last.Message)
			}
			if last.Err == nil {
				succeeded = true
				break
			}
			if !last.RetryNextHost {
				break
			}
		}

		if !succeeded {
			return BatchResult{
				Err:     last.Err,
				Message: strings.Join(messages, "\n"),
				Data:    last.Data,
			}
		}

		position = last.BytesWritten
		openMode = "ab"

		if c.Log != nil {
			c.Log.WithField("element", i).WithField("size", position).Debug("cluster: batch element complete")
		}
	}

	return BatchResult{}
}

// singleHostAttempt runs the session up to Retries times against a single
// host, sleeping RetryDelay between attempts,
// breaking as soon as either no error is reported or the error is not
// flagged retry_same_host.
func (c *Cluster) singleHostAttempt(ctx context.Context, url string, req model.Request, environ map[string]string, reqType wireproto.RequestType, target, openMode string, position int64) clientsession.Result {
	session := &clientsession.Session{
		HTTPClient:   c.HTTPClient,
		BaseURL:      url,
		Shares:       c.Shares,
		Resolver:     c.Resolver,
		PollInterval: c.PollInterval,
		Log:          c.Log,
	}

	var result clientsession.Result
	for attempt := 0; attempt < c.retries(); attempt++ {
		result = session.Execute(ctx, req, environ, reqType, target, openMode, position)
		if result.Err == nil || !result.RetrySameHost {
			return result
		}
		if attempt < c.retries()-1 {
			select {
			case <-ctx.Done():
				return result
			case <-time.After(c.retryDelay()):
			}
		}
	}
	return result
}

func (c *Cluster) shuffledURLs() []string {
	urls := make([]string, len(c.URLs))
	copy(urls, c.URLs)

	rnd := c.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	rnd.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
	return urls
}
