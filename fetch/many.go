package fetch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/entropy-pm/entropy/entropyerr"
)

// Item is one artifact to retrieve as part of a FetchMany batch.
type Item struct {
	URL            string
	Dest           string
	ExpectedDigest string

	// DeltaPatchURL and BaseArtifact, when both set, make FetchMany attempt
	// a delta reconstruction before falling back to a full download.
	DeltaPatchURL string
	BaseArtifact  string
}

// FetchMany retrieves every item, running up to parallelism (clamped to
// [1,10]) downloads concurrently. It stops launching new downloads once any
// one fails or ctx is cancelled, gated by a golang.org/x/sync/semaphore
// weighted at parallelism and coordinated with golang.org/x/sync/errgroup —
// the same combination the retrieval pack's installer engine
// (terassyi/tomei) uses to bound concurrent work.
func (f *Fetcher) FetchMany(ctx context.Context, items []Item, parallelism int, progress ProgressFunc) error {
	if parallelism < 1 {
		parallelism = 1
	}
	if parallelism > 10 {
		parallelism = 10
	}

	sem := semaphore.NewWeighted(int64(parallelism))
	g, gctx := errgroup.WithContext(ctx)

	for _, item := range items {
		item := item
		if err := sem.Acquire(gctx, 1); err != nil {
			return entropyerr.Wrap(entropyerr.Aborted, err, "fetch batch cancelled while queuing")
		}
		g.Go(func() error {
			defer sem.Release(1)
			return f.fetchItem(gctx, item, progress)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func (f *Fetcher) fetchItem(ctx context.Context, item Item, progress ProgressFunc) error {
	reporter := newThrottledReporter(item.URL, progress, 500*time.Millisecond)

	if item.DeltaPatchURL != "" && item.BaseArtifact != "" {
		if err := f.deltaFetch(ctx, item, reporter); err == nil {
			return nil
		} else {
			f.log.Warn().Err(err).Str("url", item.URL).Msg("delta fetch failed, falling back to full download")
		}
	}

	return f.fetchOnceReporting(ctx, item, reporter)
}

func (f *Fetcher) fetchOnceReporting(ctx context.Context, item Item, reporter *throttledReporter) error {
	return f.fetchOnce(ctx, item.URL, item.Dest, item.ExpectedDigest, reporter.report)
}
