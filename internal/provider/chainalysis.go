package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/attestwatch/internal/retry"
	"github.com/mbd888/attestwatch/internal/risk"
)

// ChainalysisConfig configures the Chainalysis screening client.
type ChainalysisConfig struct {
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
}

// ChainalysisClient screens addresses against the Chainalysis entity API.
type ChainalysisClient struct {
	config ChainalysisConfig
	client *http.Client
	logger *slog.Logger
}

// NewChainalysisClient creates a Chainalysis adapter.
func NewChainalysisClient(cfg ChainalysisConfig, logger *slog.Logger) *ChainalysisClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.chainalysis.com"
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
	return &ChainalysisClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("provider", "chainalysis"),
	}
}

func (c *ChainalysisClient) Name() risk.DataSource { return risk.SourceChainalysis }

type chainalysisCategoryScore struct {
	Category    string  `json:"category"`
	Subcategory string  `json:"subcategory,omitempty"`
	Score       float64 `json:"score"`
}

type chainalysisScreening struct {
	Address        string                     `json:"address"`
	Risk           string                     `json:"risk"`
	IsSanctioned   bool                       `json:"isSanctioned"`
	CategoryScores []chainalysisCategoryScore `json:"categoryScores"`
}

// FetchIndicators screens the address and converts the vendor's category
// scores into canonical indicators. A sanctioned address additionally yields
// a maximum-score sanctions indicator at full confidence.
func (c *ChainalysisClient) FetchIndicators(ctx context.Context, address string) ([]risk.Indicator, error) {
	var screening chainalysisScreening
	err := retry.Do(ctx, c.config.RetryAttempts, 500*time.Millisecond, func() error {
		return c.screen(ctx, address, &screening)
	})
	if err != nil {
		return nil, fmt.Errorf("chainalysis screening failed: %w", err)
	}

	now := time.Now()
	var indicators []risk.Indicator
	for _, cs := range screening.CategoryScores {
		raw, _ := json.Marshal(cs)
		indicators = append(indicators, risk.Indicator{
			ID:          fmt.Sprintf("chainalysis_%s_%s", address, cs.Category),
			Category:    chainalysisCategory(cs.Category),
			Subcategory: cs.Subcategory,
			Score:       cs.Score,
			Confidence:  0.9,
			Description: fmt.Sprintf("Chainalysis %s risk detected", cs.Category),
			Evidence: []risk.Evidence{{
				Source:  risk.SourceChainalysis,
				RawData: raw,
				ExtractedInfo: map[string]string{
					"category": cs.Category,
					"score":    fmt.Sprintf("%.1f", cs.Score),
				},
				Timestamp: now,
			}},
			FirstSeen: now,
			LastSeen:  now,
		})
	}

	if screening.IsSanctioned {
		indicators = append(indicators, risk.Indicator{
			ID:          fmt.Sprintf("chainalysis_%s_sanctions", address),
			Category:    risk.CategorySanctions,
			Subcategory: "OFAC",
			Score:       100.0,
			Confidence:  1.0,
			Description: "Address appears on sanctions list",
			Evidence: []risk.Evidence{{
				Source:        risk.SourceChainalysis,
				RawData:       json.RawMessage(`{"isSanctioned":true}`),
				ExtractedInfo: map[string]string{"sanctioned": "true"},
				Timestamp:     now,
			}},
			FirstSeen: now,
			LastSeen:  now,
		})
	}

	return indicators, nil
}

func (c *ChainalysisClient) screen(ctx context.Context, address string, out *chainalysisScreening) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.BaseURL+"/api/risk/v2/entities/"+address, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Token", c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chainalysis request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return retry.Permanent(fmt.Errorf("chainalysis auth rejected: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		// Unknown address screens clean.
		*out = chainalysisScreening{Address: address}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("chainalysis rate limited")
	default:
		return fmt.Errorf("chainalysis returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode chainalysis response: %w", err))
	}
	return nil
}

// chainalysisCategory maps vendor category labels onto the canonical
// taxonomy.
func chainalysisCategory(vendor string) risk.Category {
	switch vendor {
	case "sanctions":
		return risk.CategorySanctions
	case "illicit_activity":
		return risk.CategoryIllicitActivity
	case "high_risk_service":
		return risk.CategoryHighRiskService
	default:
		return risk.CategoryTechnicalRisk
	}
}
