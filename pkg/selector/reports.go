package selector

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/theerud/oh-my-pi-sub003/pkg/credential"
	"github.com/theerud/oh-my-pi-sub003/pkg/usage"
)

// ReportOptions tunes FetchUsageReports.
type ReportOptions struct {
	// BaseURLResolver maps a provider id to a base URL for its probe.
	BaseURLResolver func(provider string) string
}

// reportConcurrency bounds the probe fan-out across all providers.
const reportConcurrency = 8

// FetchUsageReports probes every OAuth credential across all providers and
// returns the merged reports, one per underlying account. Providers without
// a prober contribute nothing. Returns nil when no reports are available.
func (s *Selector) FetchUsageReports(ctx context.Context, opts ...ReportOptions) []*usage.Report {
	var opt ReportOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	type job struct {
		provider string
		cred     *credential.OAuth
	}

	s.mu.Lock()
	providers := make([]string, 0, len(s.sets))
	for provider := range s.sets {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	var jobs []job
	for _, provider := range providers {
		for _, row := range s.sets[provider] {
			if o := row.OAuth(); o != nil {
				jobs = append(jobs, job{provider: provider, cred: o.Clone()})
			}
		}
	}
	s.mu.Unlock()

	reports := make([]*usage.Report, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reportConcurrency)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			baseURL := ""
			if opt.BaseURLResolver != nil {
				baseURL = opt.BaseURLResolver(j.provider)
			}
			reports[i] = s.probe(gctx, j.provider, j.cred, baseURL, true)
			return nil
		})
	}
	_ = g.Wait()

	var fetched []*usage.Report
	for _, r := range reports {
		if r != nil {
			fetched = append(fetched, r)
		}
	}
	if len(fetched) == 0 {
		return nil
	}
	return usage.Merge(fetched)
}
