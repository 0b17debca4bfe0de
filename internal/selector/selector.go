// Package selector picks which contracts go into each basket. When live
// price sampling finds correlated long/short pairs it uses those, otherwise
// it degrades to a random per-venue pick.
package selector

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"perp-basket-bot/internal/config"
	"perp-basket-bot/internal/venue"

	"go.uber.org/zap"
)

type Candidate struct {
	Asset venue.Asset
	Venue string
}

type Pair struct {
	Long        Candidate
	Short       Candidate
	Correlation float64
}

type Selector struct {
	gateways map[string]venue.Gateway
	cfg      config.CorrelationConfig
	rng      *rand.Rand
	log      *zap.Logger

	// sleep is swapped out in tests so sampling runs instantly.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(gateways map[string]venue.Gateway, cfg config.CorrelationConfig, rng *rand.Rand, log *zap.Logger) *Selector {
	return &Selector{
		gateways: gateways,
		cfg:      cfg,
		rng:      rng,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SelectBestAssets returns per-venue asset lists for the long and short
// sides, aiming for perVenue contracts on every venue. Correlated pairs are
// taken first; any shortfall is filled with random picks. A symbol appears
// at most once across both sides.
func (s *Selector) SelectBestAssets(ctx context.Context, longVenues, shortVenues []string, perVenue int) (map[string][]venue.Asset, map[string][]venue.Asset) {
	used := make(map[string]struct{})
	longCands := s.candidates(ctx, longVenues, used)
	for _, c := range longCands {
		used[c.Asset.Symbol] = struct{}{}
	}
	shortCands := s.candidates(ctx, shortVenues, used)

	pairs := s.scorePairs(ctx, longCands, shortCands)

	longPicks := make(map[string][]venue.Asset)
	shortPicks := make(map[string][]venue.Asset)
	taken := make(map[string]struct{})
	for _, p := range pairs {
		if len(longPicks[p.Long.Venue]) >= perVenue || len(shortPicks[p.Short.Venue]) >= perVenue {
			continue
		}
		if _, ok := taken[p.Long.Asset.Symbol]; ok {
			continue
		}
		if _, ok := taken[p.Short.Asset.Symbol]; ok {
			continue
		}
		longPicks[p.Long.Venue] = append(longPicks[p.Long.Venue], p.Long.Asset)
		shortPicks[p.Short.Venue] = append(shortPicks[p.Short.Venue], p.Short.Asset)
		taken[p.Long.Asset.Symbol] = struct{}{}
		taken[p.Short.Asset.Symbol] = struct{}{}
		s.log.Info("correlated pair selected",
			zap.String("long", p.Long.Asset.Symbol),
			zap.String("short", p.Short.Asset.Symbol),
			zap.Float64("correlation", p.Correlation))
	}

	s.fillShortfall(ctx, longVenues, perVenue, longPicks, taken)
	s.fillShortfall(ctx, shortVenues, perVenue, shortPicks, taken)
	return longPicks, shortPicks
}

// scorePairs samples live prices for every candidate and ranks long/short
// pairings by absolute correlation. Pairs below the configured floor are
// discarded.
func (s *Selector) scorePairs(ctx context.Context, longCands, shortCands []Candidate) []Pair {
	if len(longCands) == 0 || len(shortCands) == 0 {
		return nil
	}
	all := make([]Candidate, 0, len(longCands)+len(shortCands))
	all = append(all, longCands...)
	all = append(all, shortCands...)
	series := s.samplePrices(ctx, all)

	rets := make([][]float64, len(all))
	for i := range all {
		rets[i] = returns(series[i])
	}
	longRets := rets[:len(longCands)]
	shortRets := rets[len(longCands):]

	var pairs []Pair
	for i, long := range longCands {
		for j, short := range shortCands {
			r := Correlation(longRets[i], shortRets[j])
			if math.Abs(r) < s.cfg.MinCorrelation {
				continue
			}
			pairs = append(pairs, Pair{Long: long, Short: short, Correlation: r})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].Correlation) > math.Abs(pairs[j].Correlation)
	})
	return pairs
}

// candidates lists contracts on the given venues, shuffles them, and trims
// the pool to the configured per-venue and per-side caps. Listing failures
// skip the venue.
func (s *Selector) candidates(ctx context.Context, venues []string, used map[string]struct{}) []Candidate {
	var out []Candidate
	for _, name := range venues {
		gw, ok := s.gateways[name]
		if !ok {
			continue
		}
		assets, err := gw.AvailableAssets(ctx)
		if err != nil {
			s.log.Warn("asset listing failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		s.rng.Shuffle(len(assets), func(i, j int) { assets[i], assets[j] = assets[j], assets[i] })
		taken := 0
		for _, a := range assets {
			if taken >= s.cfg.MaxAssetsPerVenue {
				break
			}
			if _, dup := used[a.Symbol]; dup {
				continue
			}
			out = append(out, Candidate{Asset: a, Venue: name})
			taken++
		}
	}
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > s.cfg.MaxCandidatesPerSide {
		out = out[:s.cfg.MaxCandidatesPerSide]
	}
	return out
}

// samplePrices polls every candidate's price once per interval over the
// sample window. A failed poll records a zero, which the returns
// computation skips over.
func (s *Selector) samplePrices(ctx context.Context, cands []Candidate) [][]float64 {
	steps := int(s.cfg.SampleDuration / s.cfg.SampleInterval)
	if steps < 2 {
		steps = 2
	}
	series := make([][]float64, len(cands))
	for step := 0; step < steps; step++ {
		for i, c := range cands {
			price, err := s.gateways[c.Venue].CurrentPrice(ctx, c.Asset.Symbol)
			if err != nil {
				s.log.Debug("price sample failed",
					zap.String("venue", c.Venue),
					zap.String("symbol", c.Asset.Symbol),
					zap.Error(err))
				price = 0
			}
			series[i] = append(series[i], price)
		}
		if step < steps-1 {
			if err := s.sleep(ctx, s.cfg.SampleInterval); err != nil {
				break
			}
		}
	}
	return series
}

// fillShortfall tops venues up to perVenue assets with random unused picks.
func (s *Selector) fillShortfall(ctx context.Context, venues []string, perVenue int, picks map[string][]venue.Asset, taken map[string]struct{}) {
	for _, name := range venues {
		need := perVenue - len(picks[name])
		if need <= 0 {
			continue
		}
		gw, ok := s.gateways[name]
		if !ok {
			continue
		}
		assets, err := gw.AvailableAssets(ctx)
		if err != nil {
			s.log.Warn("asset listing failed", zap.String("venue", name), zap.Error(err))
			continue
		}
		s.rng.Shuffle(len(assets), func(i, j int) { assets[i], assets[j] = assets[j], assets[i] })
		added := 0
		for _, a := range assets {
			if added >= need {
				break
			}
			if _, dup := taken[a.Symbol]; dup {
				continue
			}
			picks[name] = append(picks[name], a)
			taken[a.Symbol] = struct{}{}
			added++
		}
		if added > 0 {
			s.log.Warn("random fallback selection",
				zap.String("venue", name),
				zap.Int("count", added))
		}
	}
}

// returns converts a price series into simple returns, skipping zero-price
// samples.
func returns(series []float64) []float64 {
	var out []float64
	prev := 0.0
	for _, p := range series {
		if p <= 0 {
			continue
		}
		if prev > 0 {
			out = append(out, (p-prev)/prev)
		}
		prev = p
	}
	return out
}

// Correlation is the Pearson coefficient over two return series, truncated
// to the shorter length. Series with fewer than two points or zero variance
// score zero.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a, b = a[:n], b[:n]
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
