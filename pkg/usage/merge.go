package usage

import "strings"

// metadata keys that identify the account behind a report.
var identityKeys = []string{"email", "accountId", "account", "user", "username"}

// reportIdentifiers derives the identity strings of a report from its
// metadata. Email-ish values are lowercased so case differences never split
// an account in two.
func reportIdentifiers(r *Report) []string {
	var ids []string
	for _, key := range identityKeys {
		v, ok := r.Metadata[key]
		if !ok || v == "" {
			continue
		}
		if key == "email" || strings.Contains(v, "@") {
			v = strings.ToLower(v)
		}
		ids = append(ids, key+":"+v)
	}
	return ids
}

// Merge collapses reports that describe the same underlying account into
// one report per account, so two credentials for one subscription appear as
// one entry. Reports are grouped when their identifier sets intersect; each
// group merges into its report with the most limits, unioning limits by id
// and taking the latest FetchedAt. Input order is preserved for group
// representatives.
func Merge(reports []*Report) []*Report {
	type group struct {
		reports []*Report
		ids     map[string]bool
	}
	var groups []*group

	for _, r := range reports {
		if r == nil {
			continue
		}
		ids := reportIdentifiers(r)

		var home *group
		if len(ids) > 0 {
			for _, g := range groups {
				for _, id := range ids {
					if g.ids[id] {
						home = g
						break
					}
				}
				if home != nil {
					break
				}
			}
		}
		if home == nil {
			home = &group{ids: make(map[string]bool)}
			groups = append(groups, home)
		}
		home.reports = append(home.reports, r)
		for _, id := range ids {
			home.ids[id] = true
		}
	}

	out := make([]*Report, 0, len(groups))
	for _, g := range groups {
		out = append(out, mergeGroup(g.reports))
	}
	return out
}

func mergeGroup(reports []*Report) *Report {
	base := reports[0]
	for _, r := range reports[1:] {
		if len(r.Limits) > len(base.Limits) {
			base = r
		}
	}

	merged := &Report{
		Provider:  base.Provider,
		FetchedAt: base.FetchedAt,
		Limits:    append([]Limit(nil), base.Limits...),
		Metadata:  make(map[string]string, len(base.Metadata)),
	}
	for k, v := range base.Metadata {
		merged.Metadata[k] = v
	}

	seen := make(map[string]bool, len(merged.Limits))
	for _, l := range merged.Limits {
		seen[l.ID] = true
	}

	for _, r := range reports {
		if r.FetchedAt.After(merged.FetchedAt) {
			merged.FetchedAt = r.FetchedAt
		}
		if r == base {
			continue
		}
		for _, l := range r.Limits {
			if !seen[l.ID] {
				seen[l.ID] = true
				merged.Limits = append(merged.Limits, l)
			}
		}
		for k, v := range r.Metadata {
			if _, ok := merged.Metadata[k]; !ok {
				merged.Metadata[k] = v
			}
		}
	}
	return merged
}
