package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/attestwatch/internal/retry"
	"github.com/mbd888/attestwatch/internal/risk"
)

// TRMConfig configures the TRM Labs screening client.
type TRMConfig struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
}

// TRMClient screens addresses against the TRM Labs API.
type TRMClient struct {
	config TRMConfig
	client *http.Client
	logger *slog.Logger
}

// NewTRMClient creates a TRM Labs adapter.
func NewTRMClient(cfg TRMConfig, logger *slog.Logger) *TRMClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.trmlabs.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TRMClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("provider", "trm_labs"),
	}
}

func (c *TRMClient) Name() risk.DataSource { return risk.SourceTRMLabs }

type trmRiskIndicator struct {
	Category               string `json:"category"`
	CategoryRiskScoreLevel int    `json:"categoryRiskScoreLevel"`
	RiskType               string `json:"riskType"`
	TotalVolumeUSD         string `json:"totalVolumeUsd,omitempty"`
}

type trmScreeningResult struct {
	Address               string             `json:"address"`
	AddressRiskIndicators []trmRiskIndicator `json:"addressRiskIndicators"`
}

// FetchIndicators screens the address via the TRM wallet screening endpoint
// and converts the vendor's risk indicators into canonical ones.
func (c *TRMClient) FetchIndicators(ctx context.Context, address string) ([]risk.Indicator, error) {
	var results []trmScreeningResult
	err := retry.Do(ctx, c.config.RetryAttempts, 500*time.Millisecond, func() error {
		return c.screen(ctx, address, &results)
	})
	if err != nil {
		return nil, fmt.Errorf("trm screening failed: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	now := time.Now()
	var indicators []risk.Indicator
	for _, vendorInd := range results[0].AddressRiskIndicators {
		raw, _ := json.Marshal(vendorInd)
		indicators = append(indicators, risk.Indicator{
			ID:          fmt.Sprintf("trm_%s_%s", address, vendorInd.Category),
			Category:    trmCategory(vendorInd.Category),
			Subcategory: vendorInd.RiskType,
			Score:       trmScore(vendorInd.CategoryRiskScoreLevel),
			Confidence:  0.85,
			Description: fmt.Sprintf("TRM %s risk detected", vendorInd.Category),
			Evidence: []risk.Evidence{{
				Source:  risk.SourceTRMLabs,
				RawData: raw,
				ExtractedInfo: map[string]string{
					"category":  vendorInd.Category,
					"riskLevel": fmt.Sprintf("%d", vendorInd.CategoryRiskScoreLevel),
				},
				Timestamp: now,
			}},
			FirstSeen: now,
			LastSeen:  now,
		})
	}
	return indicators, nil
}

func (c *TRMClient) screen(ctx context.Context, address string, out *[]trmScreeningResult) error {
	body, err := json.Marshal([]map[string]string{{"address": address}})
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/public/v2/screening/addresses", bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.config.APIKey, c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("trm request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Permanent(fmt.Errorf("trm auth rejected: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("trm rate limited")
	default:
		return fmt.Errorf("trm returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode trm response: %w", err))
	}
	return nil
}

// trmCategory maps TRM category labels onto the canonical taxonomy.
func trmCategory(vendor string) risk.Category {
	switch strings.ToLower(vendor) {
	case "sanctions":
		return risk.CategorySanctions
	case "hacked funds", "stolen funds", "terrorist financing", "ransomware", "darknet":
		return risk.CategoryIllicitActivity
	case "gambling", "mixer", "high risk exchange":
		return risk.CategoryHighRiskService
	case "counterparty":
		return risk.CategoryCounterpartyRisk
	default:
		return risk.CategoryTechnicalRisk
	}
}

// trmScore maps TRM's 1-15 severity levels onto the 0-100 scale. Level 15 is
// reserved for sanctions hits.
func trmScore(level int) float64 {
	if level <= 0 {
		return 0
	}
	if level >= 15 {
		return 100
	}
	return float64(level) * (100.0 / 15.0)
}
