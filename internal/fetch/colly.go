package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const (
	retryInitialInterval = 250 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// Normalize maps a raw URL to its canonical identity, used to key redirect
// hops against the visited set.
type Normalize func(raw string) (string, error)

// CollyFetcher implements page retrieval on top of a shared Colly collector.
type CollyFetcher struct {
	base      *colly.Collector
	cfg       Config
	normalize Normalize
	logger    *zap.Logger
}

// NewCollyFetcher constructs a fetcher. normalize is required so redirect
// hops can be scope-checked under the same identity rules as discovery.
func NewCollyFetcher(cfg Config, normalize Normalize, logger *zap.Logger) (*CollyFetcher, error) {
	if normalize == nil {
		return nil, errors.New("fetch: normalize func is required")
	}
	cfg.applyDefaults()

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.Async(true),
	)
	base.AllowURLRevisit = true
	base.ParseHTTPErrorResponse = true
	base.MaxBodySize = cfg.MaxBodyBytes
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &CollyFetcher{
		base:      base,
		cfg:       cfg,
		normalize: normalize,
		logger:    logger,
	}, nil
}

// Fetch retrieves identity, retrying transient failures (network timeouts
// and 5xx responses) with exponential backoff. A Result carrying an HTTP
// status is returned even when the status is a terminal failure; the error
// is non-nil only when no usable response was obtained.
func (f *CollyFetcher) Fetch(ctx context.Context, identity string, check RedirectCheck) (Result, error) {
	var last Result
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.cfg.MaxRetries)), ctx)

	op := func() error {
		attempts++
		res, err := f.fetchOnce(identity, check)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			f.logger.Debug("transient fetch failure",
				zap.String("url", identity), zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		last = res
		if res.StatusCode >= 500 {
			f.logger.Debug("server error, will retry",
				zap.String("url", identity), zap.Int("status", res.StatusCode), zap.Int("attempt", attempts))
			return fmt.Errorf("server status %d", res.StatusCode)
		}
		return nil
	}

	err := backoff.Retry(op, bo)
	last.URL = identity
	last.Attempts = attempts
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if last.StatusCode >= 500 {
			// Retries exhausted on a 5xx: hand back the response so the
			// status lands in the page record.
			return last, nil
		}
		return last, err
	}
	return last, nil
}

func (f *CollyFetcher) fetchOnce(identity string, check RedirectCheck) (Result, error) {
	collector := f.base.Clone()
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > f.cfg.MaxRedirects {
			return ErrTooManyRedirects
		}
		if check == nil {
			return nil
		}
		hop, err := f.normalize(req.URL.String())
		if err != nil {
			return fmt.Errorf("normalize redirect target: %w", err)
		}
		return check(hop)
	})

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		send(fetchResult{res: Result{
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Body:        append([]byte(nil), r.Body...),
			ContentType: contentType,
			FetchedAt:   time.Now().UTC(),
		}})
	})
	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(identity); err != nil {
		return Result{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		return res.res, res.err
	default:
		return Result{}, errors.New("fetch produced no result")
	}
}

// isPermanent reports whether retrying cannot help: the redirect chain was
// rejected by policy or the URL itself is unusable.
func isPermanent(err error) bool {
	return errors.Is(err, ErrOutOfScope) ||
		errors.Is(err, ErrAlreadyVisited) ||
		errors.Is(err, ErrTooManyRedirects) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

type fetchResult struct {
	res Result
	err error
}
