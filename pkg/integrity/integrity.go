// Package integrity implements the Integrity Engine: the quality gate run
// once every sub-task of a job reaches a terminal state. It scores each
// platform's result set, detects duplicates within and across platforms,
// aggregates records per the job's chosen strategy, and persists a final
// report through the Task Store.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joborch/jobhub/pkg/config"
	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/metrics"
	"github.com/joborch/jobhub/pkg/registry"
	"github.com/joborch/jobhub/pkg/taskstore"
	"github.com/joborch/jobhub/pkg/types"
)

const (
	// companyRatioFactor and locationRatioFactor bound the per-key job-count
	// ratio tolerated across platforms before the consistency checks warn.
	companyRatioFactor  = 3.0
	locationRatioFactor = 4.0

	staleHorizon  = 180 * 24 * time.Hour
	yearHorizon   = 365 * 24 * time.Hour
)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
}

// Engine evaluates a completed job's per-platform result sets against the
// registry's schema contracts and the configured quality thresholds.
type Engine struct {
	store *taskstore.Store
	reg   *registry.Registry
	cfg   config.IntegrityConfig
}

// New constructs an Engine.
func New(store *taskstore.Store, reg *registry.Registry, cfg config.IntegrityConfig) *Engine {
	return &Engine{store: store, reg: reg, cfg: cfg}
}

// Run evaluates jobID's result sets, persists the resulting report and
// terminal status through the Task Store, and returns the report.
func (e *Engine) Run(jobID string) (*types.IntegrityReport, error) {
	report, err := e.Evaluate(jobID)
	if err != nil {
		return nil, err
	}
	if err := e.store.CompleteJob(jobID, types.JobStatusCompleted, report); err != nil {
		return nil, fmt.Errorf("integrity: persist report for %s: %w", jobID, err)
	}
	return report, nil
}

// Evaluate runs the full pipeline without persisting anything: load,
// per-platform analysis, checks, aggregation, final quality gate.
func (e *Engine) Evaluate(jobID string) (*types.IntegrityReport, error) {
	job, err := e.store.QueryJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("integrity: load job %s: %w", jobID, err)
	}

	resultsByPlatform, err := e.store.ListAllResults(jobID)
	if err != nil {
		return nil, fmt.Errorf("integrity: load results for %s: %w", jobID, err)
	}

	logger := log.WithComponent("integrity")

	var summaries []types.PlatformSummary
	signatureGroups := make(map[string][]types.JobRecord)
	for platform, records := range resultsByPlatform {
		plat, _ := e.reg.Platform(platform)
		summary, processed := e.analyzePlatform(plat, platform, records)
		summaries = append(summaries, summary)
		resultsByPlatform[platform] = processed
		for _, r := range processed {
			signatureGroups[r.Signature] = append(signatureGroups[r.Signature], r)
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Platform < summaries[j].Platform })

	coverage := platformCoverage(job.RequestedPlatforms, resultsByPlatform)

	var issues, warnings, recommendations []string

	if coverage < e.cfg.MinPlatformCoverage {
		issues = append(issues, fmt.Sprintf("platform coverage %.0f%% below minimum %.0f%%", coverage*100, e.cfg.MinPlatformCoverage*100))
	}
	for _, missing := range missingPlatforms(job.RequestedPlatforms, resultsByPlatform) {
		recommendations = append(recommendations, fmt.Sprintf("platform %q produced no results", missing))
	}

	for _, s := range summaries {
		if s.Metrics.Completeness < e.cfg.CompletenessThreshold {
			issues = append(issues, fmt.Sprintf("platform %q completeness %.2f below threshold %.2f", s.Platform, s.Metrics.Completeness, e.cfg.CompletenessThreshold))
		}
		if s.Total > 0 {
			dupRate := float64(s.Duplicates) / float64(s.Total)
			if dupRate > e.cfg.MaxDuplicateRate {
				issues = append(issues, fmt.Sprintf("platform %q duplicate rate %.2f exceeds maximum %.2f", s.Platform, dupRate, e.cfg.MaxDuplicateRate))
			}
		}
		if s.Valid < s.Total {
			recommendations = append(recommendations, fmt.Sprintf("platform %q: %d/%d records failed schema validation", s.Platform, s.Total-s.Valid, s.Total))
		}
	}

	crossDups := crossPlatformDuplicates(signatureGroups)
	for _, dup := range crossDups {
		warnings = append(warnings, fmt.Sprintf("cross-platform duplicate %s across %v (similarity %.2f)", dup.Signature[:8], dup.Sources, dup.Similarity))
	}

	warnings = append(warnings, keyRatioWarnings(resultsByPlatform, companyKey, "company job count", companyRatioFactor)...)
	warnings = append(warnings, keyRatioWarnings(resultsByPlatform, locationKey, "location job count", locationRatioFactor)...)
	warnings = append(warnings, temporalWarnings(resultsByPlatform)...)

	aggregated := e.aggregate(job, resultsByPlatform)
	finalQuality := weightedQuality(summaries)

	report := &types.IntegrityReport{
		JobID:             jobID,
		Platforms:         summaries,
		AggregatedRecords: aggregated,
		CrossPlatformDups: crossDups,
		FinalQuality:      finalQuality,
		Passed:            finalQuality.Overall >= e.cfg.MinOverallQuality,
		FailedPlatforms:   missingPlatforms(job.RequestedPlatforms, resultsByPlatform),
		PlatformCoverage:  coverage,
		Issues:            issues,
		Warnings:          warnings,
		Recommendations:   recommendations,
		GeneratedAt:       time.Now(),
	}

	logger.Info().Str("job_id", jobID).Float64("overall_quality", finalQuality.Overall).
		Bool("passed", report.Passed).Int("issues", len(issues)).Msg("integrity report generated")

	result := "pass"
	if !report.Passed {
		result = "fail"
	}
	metrics.IntegrityReportsTotal.WithLabelValues(result).Inc()
	metrics.IntegrityOverallQuality.Observe(finalQuality.Overall)

	return report, nil
}

// analyzePlatform scores every record a platform produced and summarizes
// the platform's contribution; it returns the records annotated with their
// derived Signature/QualityScore/Valid fields.
func (e *Engine) analyzePlatform(plat *registry.Platform, name string, records []types.JobRecord) (types.PlatformSummary, []types.JobRecord) {
	summary := types.PlatformSummary{Platform: name, Total: len(records), FieldCoverage: map[string]float64{}}
	if len(records) == 0 {
		summary.Metrics.Level = types.QualityCritical
		return summary, records
	}

	var fieldNames []string
	if plat != nil {
		fieldNames = append(append([]string{}, plat.RequiredFields...), plat.OptionalFields...)
	} else {
		fieldNames = []string{"title", "company", "location", "date_posted", "job_url"}
	}

	fieldHits := make(map[string]int, len(fieldNames))
	seenSignatures := make(map[string]bool)
	var completenessSum, accuracySum, consistencySum, timelinessSum float64
	var timelinessCount int
	validCount := 0
	duplicates := 0

	out := make([]types.JobRecord, len(records))
	for i, rec := range records {
		var issues []string
		if plat != nil {
			issues = plat.ValidateSchema(rec)
		}
		rec.Valid = len(issues) == 0
		if rec.Valid {
			validCount++
		}

		present := 0
		for _, f := range fieldNames {
			if fieldValue(rec, f) != "" {
				fieldHits[f]++
				present++
			}
		}
		coverage := 1.0
		if len(fieldNames) > 0 {
			coverage = float64(present) / float64(len(fieldNames))
		}
		completenessSum += coverage

		conformance := 1.0
		if plat != nil && len(plat.RequiredFields) > 0 {
			conformance = 1 - float64(len(issues))/float64(len(plat.RequiredFields))
			if conformance < 0 {
				conformance = 0
			}
		}
		consistencySum += conformance
		accuracySum += (coverage + conformance) / 2

		if t, ok := parseDate(rec.DatePosted); ok {
			timelinessSum += timelinessScore(t)
			timelinessCount++
		}

		rec.Signature = signature(rec.Title, rec.Company, rec.Location)
		if seenSignatures[rec.Signature] {
			duplicates++
		}
		seenSignatures[rec.Signature] = true
		rec.QualityScore = (coverage + conformance) / 2
		rec.SourcePlatform = name

		out[i] = rec
	}

	total := float64(len(records))
	for f, hits := range fieldHits {
		summary.FieldCoverage[f] = float64(hits) / total
	}
	summary.Valid = validCount
	summary.Duplicates = duplicates

	metrics := types.QualityMetrics{
		Completeness: completenessSum / total,
		Accuracy:     accuracySum / total,
		Uniqueness:   float64(len(seenSignatures)) / total,
		Validity:     float64(validCount) / total,
		Consistency:  consistencySum / total,
	}
	if timelinessCount > 0 {
		metrics.Timeliness = timelinessSum / float64(timelinessCount)
	}
	metrics.Overall = meanNonZero(metrics.Completeness, metrics.Accuracy, metrics.Uniqueness, metrics.Validity, metrics.Consistency, metrics.Timeliness)
	metrics.Level = qualityLevel(metrics.Overall)
	summary.Metrics = metrics

	return summary, out
}

func fieldValue(rec types.JobRecord, field string) string {
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
	case "description":
		return rec.Description
	case "salary":
		return rec.Salary
	default:
		return rec.Extra[field]
	}
}

func signature(title, company, location string) string {
	joined := normalizeSignaturePart(title) + "|" + normalizeSignaturePart(company) + "|" + normalizeSignaturePart(location)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

func normalizeSignaturePart(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func timelinessScore(posted time.Time) float64 {
	age := time.Since(posted)
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.8
	case age <= 30*24*time.Hour:
		return 0.5
	default:
		return 0.2
	}
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func meanNonZero(values ...float64) float64 {
	var sum float64
	var count int
	for _, v := range values {
		if v != 0 {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func qualityLevel(overall float64) types.QualityLevel {
	switch {
	case overall >= 0.95:
		return types.QualityExcellent
	case overall >= 0.85:
		return types.QualityGood
	case overall >= 0.70:
		return types.QualityFair
	case overall >= 0.50:
		return types.QualityPoor
	default:
		return types.QualityCritical
	}
}

func platformCoverage(requested []string, actual map[string][]types.JobRecord) float64 {
	if len(requested) == 0 {
		return 1
	}
	present := 0
	for _, p := range requested {
		if _, ok := actual[p]; ok {
			present++
		}
	}
	return float64(present) / float64(len(requested))
}

func missingPlatforms(requested []string, actual map[string][]types.JobRecord) []string {
	var out []string
	for _, p := range requested {
		if _, ok := actual[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// crossPlatformDuplicates groups records across platforms by exact
// signature equality, per the recorded decision that grouping itself never
// relies on fuzzy similarity; Jaccard on tokenized key fields is computed
// purely for the report's similarity score.
func crossPlatformDuplicates(groups map[string][]types.JobRecord) []types.CrossPlatformDuplicate {
	var out []types.CrossPlatformDuplicate
	for sig, recs := range groups {
		sources := uniqueSources(recs)
		if len(sources) < 2 {
			continue
		}
		out = append(out, types.CrossPlatformDuplicate{
			Signature:  sig,
			Sources:    sources,
			Similarity: pairwiseJaccard(recs),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}

func uniqueSources(recs []types.JobRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range recs {
		if !seen[r.SourcePlatform] {
			seen[r.SourcePlatform] = true
			out = append(out, r.SourcePlatform)
		}
	}
	sort.Strings(out)
	return out
}

func pairwiseJaccard(recs []types.JobRecord) float64 {
	if len(recs) < 2 {
		return 1
	}
	var sum float64
	var pairs int
	for i := 0; i < len(recs); i++ {
		for j := i + 1; j < len(recs); j++ {
			sum += jaccard(tokenize(recs[i]), tokenize(recs[j]))
			pairs++
		}
	}
	if pairs == 0 {
		return 1
	}
	return sum / float64(pairs)
}

func tokenize(rec types.JobRecord) map[string]bool {
	fields := strings.Fields(normalizeSignaturePart(rec.Title + " " + rec.Company + " " + rec.Location))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func companyKey(r types.JobRecord) string  { return normalizeSignaturePart(r.Company) }
func locationKey(r types.JobRecord) string { return normalizeSignaturePart(r.Location) }

// keyRatioWarnings flags a key (company, normalized location, ...) whose
// per-platform record count varies by more than factor between the
// busiest and quietest platform that reported it at all.
func keyRatioWarnings(byPlatform map[string][]types.JobRecord, keyFn func(types.JobRecord) string, label string, factor float64) []string {
	counts := make(map[string]map[string]int)
	for platform, records := range byPlatform {
		for _, r := range records {
			k := keyFn(r)
			if k == "" {
				continue
			}
			if counts[k] == nil {
				counts[k] = make(map[string]int)
			}
			counts[k][platform]++
		}
	}

	var keys []string
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var warnings []string
	for _, k := range keys {
		perPlatform := counts[k]
		if len(perPlatform) < 2 {
			continue
		}
		min, max := math.MaxInt32, 0
		for _, c := range perPlatform {
			if c < min {
				min = c
			}
			if c > max {
				max = c
			}
		}
		if min > 0 && float64(max)/float64(min) > factor {
			warnings = append(warnings, fmt.Sprintf("%s %q varies %.1fx across platforms (min %d, max %d)", label, k, float64(max)/float64(min), min, max))
		}
	}
	return warnings
}

func temporalWarnings(byPlatform map[string][]types.JobRecord) []string {
	var min, max time.Time
	stale := 0
	total := 0
	for _, records := range byPlatform {
		for _, r := range records {
			total++
			t, ok := parseDate(r.DatePosted)
			if !ok {
				continue
			}
			if min.IsZero() || t.Before(min) {
				min = t
			}
			if max.IsZero() || t.After(max) {
				max = t
			}
			if time.Since(t) > staleHorizon {
				stale++
			}
		}
	}

	var warnings []string
	if !min.IsZero() && !max.IsZero() && max.Sub(min) > yearHorizon {
		warnings = append(warnings, fmt.Sprintf("posting dates span %s, more than one year", max.Sub(min).Round(24*time.Hour)))
	}
	if stale > 0 {
		warnings = append(warnings, fmt.Sprintf("%d of %d records older than %s", stale, total, staleHorizon))
	}
	return warnings
}

// aggregate merges every platform's records per the job's chosen strategy.
func (e *Engine) aggregate(job *types.Job, byPlatform map[string][]types.JobRecord) []types.JobRecord {
	flat := flatten(byPlatform)

	switch job.AggregationStrategy {
	case types.AggregationDeduplicateSmart:
		return dedupeBestQuality(flat, false)
	case types.AggregationQualityWeighted:
		return dedupeBestQuality(flat, true)
	case types.AggregationPriorityBased:
		return priorityBased(flat, e.reg, job.Region)
	case types.AggregationConsensusBased:
		return consensusBased(flat)
	case types.AggregationMergeAll, types.AggregationPlatformSpecific, "":
		return flat
	default:
		return flat
	}
}

func flatten(byPlatform map[string][]types.JobRecord) []types.JobRecord {
	var platforms []string
	for p := range byPlatform {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	var out []types.JobRecord
	for _, p := range platforms {
		out = append(out, byPlatform[p]...)
	}
	return out
}

func groupBySignature(records []types.JobRecord) ([]string, map[string][]types.JobRecord) {
	groups := make(map[string][]types.JobRecord)
	var order []string
	for _, r := range records {
		if _, ok := groups[r.Signature]; !ok {
			order = append(order, r.Signature)
		}
		groups[r.Signature] = append(groups[r.Signature], r)
	}
	return order, groups
}

func dedupeBestQuality(records []types.JobRecord, reportAlternatives bool) []types.JobRecord {
	order, groups := groupBySignature(records)
	out := make([]types.JobRecord, 0, len(order))
	for _, sig := range order {
		group := groups[sig]
		best := group[0]
		for _, r := range group[1:] {
			if r.QualityScore > best.QualityScore {
				best = r
			}
		}
		best.Extra = cloneExtra(best.Extra)
		if reportAlternatives {
			best.Extra["alternative_sources"] = strings.Join(otherSources(group, best.SourcePlatform), ",")
		} else {
			best.Extra["duplicate_count"] = strconv.Itoa(len(group) - 1)
			best.Extra["duplicate_sources"] = strings.Join(uniqueSources(group), ",")
		}
		out = append(out, best)
	}
	return out
}

func otherSources(group []types.JobRecord, exclude string) []string {
	seen := map[string]bool{exclude: true}
	var out []string
	for _, r := range group {
		if !seen[r.SourcePlatform] {
			seen[r.SourcePlatform] = true
			out = append(out, r.SourcePlatform)
		}
	}
	sort.Strings(out)
	return out
}

func priorityBased(records []types.JobRecord, reg *registry.Registry, region string) []types.JobRecord {
	priority := func(platform string) int {
		if p, ok := reg.Platform(platform); ok {
			return p.PriorityForRegion(region)
		}
		return 1 << 30
	}

	order, groups := groupBySignature(records)
	out := make([]types.JobRecord, 0, len(order))
	for _, sig := range order {
		group := groups[sig]
		winner := group[0]
		for _, r := range group[1:] {
			if priority(r.SourcePlatform) < priority(winner.SourcePlatform) {
				winner = r
			}
		}
		out = append(out, winner)
	}
	return out
}

func consensusBased(records []types.JobRecord) []types.JobRecord {
	order, groups := groupBySignature(records)
	out := make([]types.JobRecord, 0, len(order))
	for _, sig := range order {
		group := groups[sig]
		merged := types.JobRecord{
			Title:          longestNonEmpty(group, func(r types.JobRecord) string { return r.Title }),
			Company:        longestNonEmpty(group, func(r types.JobRecord) string { return r.Company }),
			Location:       longestNonEmpty(group, func(r types.JobRecord) string { return r.Location }),
			Description:    longestNonEmpty(group, func(r types.JobRecord) string { return r.Description }),
			Salary:         longestNonEmpty(group, func(r types.JobRecord) string { return r.Salary }),
			JobURL:         longestNonEmpty(group, func(r types.JobRecord) string { return r.JobURL }),
			DatePosted:     longestNonEmpty(group, func(r types.JobRecord) string { return r.DatePosted }),
			Signature:      sig,
			SourcePlatform: strings.Join(uniqueSources(group), ","),
			Extra:          consensusExtra(group),
		}
		merged.QualityScore = averageQuality(group)
		merged.Valid = merged.QualityScore >= 0.5
		out = append(out, merged)
	}
	return out
}

func longestNonEmpty(group []types.JobRecord, get func(types.JobRecord) string) string {
	best := ""
	for _, r := range group {
		if v := get(r); len(v) > len(best) {
			best = v
		}
	}
	return best
}

func averageQuality(group []types.JobRecord) float64 {
	var sum float64
	for _, r := range group {
		sum += r.QualityScore
	}
	return sum / float64(len(group))
}

// consensusExtra merges free-form Extra maps: numeric-looking values are
// averaged, everything else takes the first non-empty value seen.
func consensusExtra(group []types.JobRecord) map[string]string {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	firsts := make(map[string]string)
	for _, r := range group {
		for k, v := range r.Extra {
			if _, ok := firsts[k]; !ok {
				firsts[k] = v
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sums[k] += f
				counts[k]++
			}
		}
	}
	out := make(map[string]string, len(firsts))
	for k, first := range firsts {
		if counts[k] > 0 {
			out[k] = strconv.FormatFloat(sums[k]/float64(counts[k]), 'f', 2, 64)
		} else {
			out[k] = first
		}
	}
	out["consensus_count"] = strconv.Itoa(len(group))
	return out
}

func cloneExtra(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// weightedQuality averages every platform's metrics weighted by its record
// count; an empty result set contributes nothing to the average.
func weightedQuality(summaries []types.PlatformSummary) types.QualityMetrics {
	var totalWeight float64
	var completeness, accuracy, uniqueness, validity, consistency, timeliness float64
	var timelinessWeight float64

	for _, s := range summaries {
		if s.Total == 0 {
			continue
		}
		w := float64(s.Total)
		totalWeight += w
		completeness += s.Metrics.Completeness * w
		accuracy += s.Metrics.Accuracy * w
		uniqueness += s.Metrics.Uniqueness * w
		validity += s.Metrics.Validity * w
		consistency += s.Metrics.Consistency * w
		if s.Metrics.Timeliness != 0 {
			timeliness += s.Metrics.Timeliness * w
			timelinessWeight += w
		}
	}

	if totalWeight == 0 {
		return types.QualityMetrics{Level: types.QualityCritical}
	}

	m := types.QualityMetrics{
		Completeness: completeness / totalWeight,
		Accuracy:     accuracy / totalWeight,
		Uniqueness:   uniqueness / totalWeight,
		Validity:     validity / totalWeight,
		Consistency:  consistency / totalWeight,
	}
	if timelinessWeight > 0 {
		m.Timeliness = timeliness / timelinessWeight
	}
	m.Overall = meanNonZero(m.Completeness, m.Accuracy, m.Uniqueness, m.Validity, m.Consistency, m.Timeliness)
	m.Level = qualityLevel(m.Overall)
	return m
}
