// Package registry implements the Platform Registry: the static, read-mostly
// catalog of search platforms, their capabilities, and region resolution.
//
// A Registry is built once at process start from config.Config and passed by
// reference to every other component. It is never mutated after
// construction; reloading means constructing a new Registry and swapping the
// pointer at a process boundary, not an in-place update.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Platform is one immutable catalog entry plus its live admission-control
// state (rate limiter and circuit breaker are the only parts of a Platform
// that mutate after construction).
type Platform struct {
	Name                  string
	Regions               map[string]bool
	MaxConcurrentRequests int
	ReliabilityPrior      float64
	RequiredFields        []string
	OptionalFields        []string
	FieldFormats          map[string]string
	RegionPriority        map[string]int

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker[any]
}

// SupportsRegion reports whether the platform covers the given region.
func (p *Platform) SupportsRegion(region string) bool {
	return p.Regions[region]
}

// PriorityForRegion returns the platform's dispatch priority within a
// region; lower values are tried first. Platforms without an explicit entry
// sort last.
func (p *Platform) PriorityForRegion(region string) int {
	if pr, ok := p.RegionPriority[region]; ok {
		return pr
	}
	return 1 << 30
}

// Registry is the immutable platform/region catalog.
type Registry struct {
	platforms map[string]*Platform
	regions   []region
}

type region struct {
	name     string
	keywords []string
	priority int
}

// New builds a Registry from configuration. Each platform entry gets its own
// token-bucket rate limiter (requests-per-minute, converted to a per-second
// rate) and circuit breaker seeded from its reliability prior: a platform
// with a low prior trips after fewer consecutive failures.
func New(cfg *config.Config) (*Registry, error) {
	if len(cfg.Platforms) == 0 {
		return nil, fmt.Errorf("registry: no platforms configured")
	}

	reg := &Registry{platforms: make(map[string]*Platform, len(cfg.Platforms))}

	for _, pc := range cfg.Platforms {
		regions := make(map[string]bool, len(pc.Regions))
		for _, r := range pc.Regions {
			regions[r] = true
		}

		ratePerSec := float64(pc.RateLimitPerMinute) / 60.0
		if ratePerSec <= 0 {
			ratePerSec = 1
		}
		burst := pc.RateLimitPerMinute
		if burst < 1 {
			burst = 1
		}

		maxFailures := uint32(5)
		if pc.ReliabilityPrior > 0 && pc.ReliabilityPrior < 1 {
			// Less reliable platforms trip after fewer consecutive failures.
			maxFailures = uint32(2 + pc.ReliabilityPrior*6)
		}

		breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        pc.Name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		})

		reg.platforms[pc.Name] = &Platform{
			Name:                  pc.Name,
			Regions:               regions,
			MaxConcurrentRequests: pc.MaxConcurrentRequests,
			ReliabilityPrior:      pc.ReliabilityPrior,
			RequiredFields:        pc.RequiredFields,
			OptionalFields:        pc.OptionalFields,
			FieldFormats:          pc.FieldFormats,
			RegionPriority:        pc.RegionPriority,
			Limiter:               rate.NewLimiter(rate.Limit(ratePerSec), burst),
			Breaker:               breaker,
		}
	}

	for _, rc := range cfg.Regions {
		reg.regions = append(reg.regions, region{
			name:     rc.Name,
			keywords: normalizeAll(rc.Keywords),
			priority: rc.Priority,
		})
	}
	if len(reg.regions) == 0 {
		return nil, fmt.Errorf("registry: no regions configured")
	}

	return reg, nil
}

// Platform looks up a platform entry by name.
func (r *Registry) Platform(name string) (*Platform, bool) {
	p, ok := r.platforms[name]
	return p, ok
}

// AllPlatformNames returns every configured platform name, sorted.
func (r *Registry) AllPlatformNames() []string {
	names := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveRegion derives a region tag from free-text query and location,
// matching the configured keyword sets. The longest matching keyword wins;
// ties are broken by region priority (higher wins). Returns the empty
// string if no region matches.
func (r *Registry) ResolveRegion(query, location string) string {
	haystack := normalize(query + " " + location)

	var (
		best       string
		bestLen    int
		bestPrio   int
		foundMatch bool
	)

	for _, reg := range r.regions {
		for _, kw := range reg.keywords {
			if kw == "" || !strings.Contains(haystack, kw) {
				continue
			}
			if len(kw) > bestLen || (len(kw) == bestLen && reg.priority > bestPrio) {
				best = reg.name
				bestLen = len(kw)
				bestPrio = reg.priority
				foundMatch = true
			}
		}
	}

	if !foundMatch {
		return ""
	}
	return best
}

// CandidatePlatforms returns the platforms covering region, ordered primary
// first then fallback (ascending PriorityForRegion, name as tiebreaker).
func (r *Registry) CandidatePlatforms(region string) []*Platform {
	var candidates []*Platform
	for _, p := range r.platforms {
		if p.SupportsRegion(region) {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].PriorityForRegion(region), candidates[j].PriorityForRegion(region)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates
}

// ValidateSchema checks that a JobRecord has a non-blank value for each of
// the platform's required fields, returning one issue per missing field (nil
// if valid). Optional fields are not checked, and field values are not
// checked against any format.
func (p *Platform) ValidateSchema(rec types.JobRecord) []string {
	var issues []string
	get := func(field string) string {
		switch field {
		case "title":
			return rec.Title
		case "company":
			return rec.Company
		case "location":
			return rec.Location
		case "date_posted":
			return rec.DatePosted
		case "job_url":
			return rec.JobURL
		default:
			return rec.Extra[field]
		}
	}

	for _, field := range p.RequiredFields {
		if strings.TrimSpace(get(field)) == "" {
			issues = append(issues, fmt.Sprintf("missing required field %q", field))
		}
	}
	return issues
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func normalizeAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = normalize(s)
	}
	return out
}
