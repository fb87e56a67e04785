// Package aggregator fans wallet screening out to every enabled provider and
// merges the results into a single risk profile.
//
// Provider calls run concurrently with per-provider failure isolation: a
// failing or slow provider is logged and excluded, never aborting the
// aggregation. Scoring is delegated to the risk model so there is exactly
// one scoring formula in the system.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/attestwatch/internal/circuitbreaker"
	"github.com/mbd888/attestwatch/internal/metrics"
	"github.com/mbd888/attestwatch/internal/provider"
	"github.com/mbd888/attestwatch/internal/risk"
	"github.com/mbd888/attestwatch/internal/traces"
)

// ErrAllProvidersFailed is returned when at least one provider was queried
// and none answered successfully.
var ErrAllProvidersFailed = errors.New("all risk data providers failed")

// ErrCircuitOpen is the per-provider error recorded when the provider's
// circuit breaker rejected the call without querying it.
var ErrCircuitOpen = errors.New("provider circuit open")

const (
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
)

// Aggregator merges provider risk signals into wallet risk profiles.
type Aggregator struct {
	providers []provider.Provider
	model     *risk.Model
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// New creates an aggregator over the given providers. An empty provider set
// is valid; aggregation then yields clean profiles from no data.
func New(providers []provider.Provider, model *risk.Model, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		providers: providers,
		model:     model,
		breaker:   circuitbreaker.New(breakerThreshold, breakerOpenDuration),
		logger:    logger,
	}
}

// Providers returns the names of the enabled providers.
func (a *Aggregator) Providers() []risk.DataSource {
	names := make([]risk.DataSource, 0, len(a.providers))
	for _, p := range a.providers {
		names = append(names, p.Name())
	}
	return names
}

type fetchResult struct {
	source     risk.DataSource
	indicators []risk.Indicator
	err        error
}

// AggregateWalletRisk screens the wallet across all providers concurrently
// and computes its risk profile. The profile reflects whichever providers
// answered; it fails only when every queried provider failed.
func (a *Aggregator) AggregateWalletRisk(ctx context.Context, wallet string) (*risk.WalletRiskProfile, error) {
	ctx, span := traces.StartSpan(ctx, "aggregator.AggregateWalletRisk", traces.Wallet(wallet))
	defer span.End()

	start := time.Now()

	results := make(chan fetchResult, len(a.providers))
	for _, p := range a.providers {
		go func(p provider.Provider) {
			key := string(p.Name())
			if !a.breaker.Allow(key) {
				results <- fetchResult{source: p.Name(), err: ErrCircuitOpen}
				return
			}

			fetchCtx, fetchSpan := traces.StartSpan(ctx, "provider.FetchIndicators",
				traces.ProviderName(key))
			defer fetchSpan.End()

			fetchStart := time.Now()
			indicators, err := p.FetchIndicators(fetchCtx, wallet)
			metrics.ProviderRequestDuration.WithLabelValues(key).
				Observe(time.Since(fetchStart).Seconds())
			if err != nil {
				a.breaker.RecordFailure(key)
			} else {
				a.breaker.RecordSuccess(key)
			}
			results <- fetchResult{source: p.Name(), indicators: indicators, err: err}
		}(p)
	}

	var allIndicators []risk.Indicator
	var dataSources []risk.DataSource
	succeeded := 0
	for range a.providers {
		res := <-results
		if errors.Is(res.err, ErrCircuitOpen) {
			metrics.ProviderRequestsTotal.WithLabelValues(string(res.source), "skipped").Inc()
			a.logger.Warn("provider skipped, circuit open",
				"provider", res.source,
				"wallet", wallet)
			continue
		}
		if res.err != nil {
			metrics.ProviderRequestsTotal.WithLabelValues(string(res.source), "error").Inc()
			a.logger.Warn("provider failed",
				"provider", res.source,
				"wallet", wallet,
				"error", res.err)
			continue
		}
		metrics.ProviderRequestsTotal.WithLabelValues(string(res.source), "success").Inc()
		succeeded++
		allIndicators = append(allIndicators, res.indicators...)
		dataSources = append(dataSources, res.source)
	}

	if len(a.providers) > 0 && succeeded == 0 {
		metrics.AggregationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("aggregation for %s: %w", wallet, ErrAllProvidersFailed)
	}

	score := a.model.ComputeScore(allIndicators)
	level := a.model.LevelForScore(score)
	span.SetAttributes(traces.RiskLevel(string(level)))

	profile := &risk.WalletRiskProfile{
		WalletAddress:   wallet,
		OverallScore:    score,
		Level:           level,
		Indicators:      allIndicators,
		LastUpdated:     time.Now(),
		DataSources:     dataSources,
		Recommendations: a.recommendations(level, allIndicators),
	}

	metrics.AggregationsTotal.WithLabelValues("success").Inc()
	metrics.RiskLevelsTotal.WithLabelValues(string(level)).Inc()
	a.logger.Info("risk aggregation completed",
		"wallet", wallet,
		"score", score,
		"level", level,
		"indicators", len(allIndicators),
		"sources", len(dataSources),
		"duration", time.Since(start))

	return profile, nil
}

// recommendations derives advisory actions from the level and the indicator
// set. Policy evaluation, not these, drives actual enforcement.
func (a *Aggregator) recommendations(level risk.Level, indicators []risk.Indicator) []risk.Recommendation {
	var recs []risk.Recommendation

	switch level {
	case risk.LevelCritical:
		recs = append(recs, risk.Recommendation{
			Action:        risk.RecommendRevoke,
			Priority:      risk.SeverityCritical,
			Reason:        "Critical risk level detected",
			DeadlineHours: 1,
		})
	case risk.LevelHigh:
		recs = append(recs, risk.Recommendation{
			Action:        risk.RecommendSuspend,
			Priority:      risk.SeverityHigh,
			Reason:        "High risk level requires immediate action",
			DeadlineHours: 4,
		})
	case risk.LevelMedium:
		recs = append(recs, risk.Recommendation{
			Action:        risk.RecommendFlag,
			Priority:      risk.SeverityMedium,
			Reason:        "Medium risk level requires review",
			DeadlineHours: 24,
		})
	case risk.LevelLow:
		recs = append(recs, risk.Recommendation{
			Action:   risk.RecommendNoAction,
			Priority: risk.SeverityLow,
			Reason:   "Low risk level, monitor only",
		})
	default:
		recs = append(recs, risk.Recommendation{
			Action:   risk.RecommendNoAction,
			Priority: risk.SeverityLow,
			Reason:   "Safe risk level",
		})
	}

	for _, ind := range indicators {
		if ind.Category == risk.CategorySanctions && ind.Score > 80 {
			recs = append(recs, risk.Recommendation{
				Action:        risk.RecommendEscalate,
				Priority:      risk.SeverityCritical,
				Reason:        "Sanctions exposure detected",
				DeadlineHours: 1,
			})
		}
		if ind.Category == risk.CategoryIllicitActivity && ind.Score > 70 {
			recs = append(recs, risk.Recommendation{
				Action:        risk.RecommendAdditionalKYC,
				Priority:      risk.SeverityHigh,
				Reason:        "Potential illicit activity detected",
				DeadlineHours: 12,
			})
		}
	}

	return recs
}
