package provider

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/attestwatch/internal/risk"
)

func TestTRMClient_FetchIndicators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/public/v2/screening/addresses", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{
			"address": "0xabc",
			"addressRiskIndicators": [
				{"category": "Sanctions", "categoryRiskScoreLevel": 15, "riskType": "OWNERSHIP"},
				{"category": "Gambling", "categoryRiskScoreLevel": 6, "riskType": "COUNTERPARTY"}
			]
		}]`))
	}))
	defer srv.Close()

	c := NewTRMClient(TRMConfig{APIKey: "key", BaseURL: srv.URL}, slog.New(slog.DiscardHandler))
	indicators, err := c.FetchIndicators(t.Context(), "0xabc")
	require.NoError(t, err)
	require.Len(t, indicators, 2)

	assert.Equal(t, risk.CategorySanctions, indicators[0].Category)
	assert.Equal(t, 100.0, indicators[0].Score)
	assert.Equal(t, "OWNERSHIP", indicators[0].Subcategory)

	assert.Equal(t, risk.CategoryHighRiskService, indicators[1].Category)
	assert.Equal(t, 40.0, indicators[1].Score)
	require.Len(t, indicators[1].Evidence, 1)
	assert.Equal(t, risk.SourceTRMLabs, indicators[1].Evidence[0].Source)
}

func TestTRMClient_AuthFailureNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewTRMClient(TRMConfig{APIKey: "bad", BaseURL: srv.URL, RetryAttempts: 3}, slog.New(slog.DiscardHandler))
	_, err := c.FetchIndicators(t.Context(), "0xabc")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth failures must not be retried")
}

func TestTRMClient_ServerErrorRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewTRMClient(TRMConfig{APIKey: "key", BaseURL: srv.URL, RetryAttempts: 3}, slog.New(slog.DiscardHandler))
	indicators, err := c.FetchIndicators(t.Context(), "0xabc")
	require.NoError(t, err)
	assert.Nil(t, indicators)
	assert.Equal(t, 3, calls)
}

func TestChainalysisClient_FetchIndicators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/risk/v2/entities/0xabc", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("Token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"address": "0xabc",
			"risk": "Severe",
			"isSanctioned": true,
			"categoryScores": [
				{"category": "illicit_activity", "subcategory": "darknet market", "score": 85.0}
			]
		}`))
	}))
	defer srv.Close()

	c := NewChainalysisClient(ChainalysisConfig{APIKey: "key", BaseURL: srv.URL}, slog.New(slog.DiscardHandler))
	indicators, err := c.FetchIndicators(t.Context(), "0xabc")
	require.NoError(t, err)
	require.Len(t, indicators, 2)

	assert.Equal(t, risk.CategoryIllicitActivity, indicators[0].Category)
	assert.Equal(t, 85.0, indicators[0].Score)
	assert.Equal(t, 0.9, indicators[0].Confidence)

	// Sanctions hit appends a maximum-score indicator at full confidence.
	assert.Equal(t, risk.CategorySanctions, indicators[1].Category)
	assert.Equal(t, "OFAC", indicators[1].Subcategory)
	assert.Equal(t, 100.0, indicators[1].Score)
	assert.Equal(t, 1.0, indicators[1].Confidence)
}

func TestChainalysisClient_UnknownAddressScreensClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewChainalysisClient(ChainalysisConfig{APIKey: "key", BaseURL: srv.URL}, slog.New(slog.DiscardHandler))
	indicators, err := c.FetchIndicators(t.Context(), "0xabc")
	require.NoError(t, err)
	assert.Empty(t, indicators)
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewTRMClient(TRMConfig{
		APIKey:        "key",
		BaseURL:       srv.URL,
		Timeout:       50 * time.Millisecond,
		RetryAttempts: 1,
	}, slog.New(slog.DiscardHandler))
	_, err := c.FetchIndicators(t.Context(), "0xabc")
	assert.Error(t, err)
}
