package provision

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"

	"nzboot/pkg/logging"
)

// Fetcher downloads url into the file dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// HTTPFetcher fetches over HTTP(S), following redirects, retrying failed
// attempts with exponential backoff and jitter.
type HTTPFetcher struct {
	Client *http.Client
	// Attempts is the total number of tries, at least one.
	Attempts int
	// Backoff is the wait before the first retry; it doubles up to
	// MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	log logging.Logger
}

func NewHTTPFetcher(attempts int) *HTTPFetcher {
	return &HTTPFetcher{
		// No client timeout: a slow mirror is waited on unless the caller
		// bounds ctx.
		Client:     &http.Client{},
		Attempts:   attempts,
		Backoff:    1 * time.Second,
		MaxBackoff: 30 * time.Second,
		log:        logging.New("fetch"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	const intervalMultiplier = 2
	attempts := f.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryInterval := f.Backoff
	for attempt := 1; ; attempt++ {
		err := f.fetchOnce(ctx, url, dest)
		if err == nil {
			return nil
		}
		if attempt >= attempts {
			return errors.Wrapf(err, "retries exhausted after %d attempts", attempt)
		}
		retryIntervalWithJitter := retryInterval
		if retryInterval > 0 {
			retryIntervalWithJitter += time.Duration(rand.Int63n(int64(retryInterval)))
		}
		f.log.WithError(err).WithField("url", url).Warnf("Failed to fetch. Waiting %s before retrying...", retryIntervalWithJitter)
		timer := time.NewTimer(retryIntervalWithJitter)
		select {
		case <-timer.C:
			retryInterval *= intervalMultiplier
			if f.MaxBackoff > 0 && retryInterval > f.MaxBackoff {
				retryInterval = f.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(err, "context ended while retrying")
		}
	}
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("unexpected status %s", resp.Status)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return errors.Wrap(err, "download body")
	}
	return errors.Wrap(out.Close(), "close destination")
}
