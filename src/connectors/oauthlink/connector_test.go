package oauthlink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/cryptotaxreports/src/connectors"
	"github.com/username/cryptotaxreports/src/models"
)

func newTestConnector(tokenURL, apiURL string) *Connector {
	return New(Config{
		TokenURL: tokenURL, ClientID: "cid", ClientSecret: "csecret",
		APIBaseURL: apiURL, TradesPath: "/v2/trades",
		RecordsPath: "$.data", CursorPath: "$.next_cursor",
		Retry: connectors.RetryPolicy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }},
	})
}

func TestExpiredTokenIsRefreshedBeforeFetch(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[{"id":"o1","timestamp":"2023-05-05T00:00:00Z","type":"staking","asset":"SOL","amount":"1.25","value":"30"}]}`))
	}))
	defer apiSrv.Close()

	sd := models.SourceData{OAuth: &models.OAuthPayload{
		Provider: "Coinbase", AccessToken: "stale", RefreshToken: "r-1",
		Expiry: time.Now().Add(-time.Hour),
	}}
	res, err := newTestConnector(tokenSrv.URL, apiSrv.URL).Fetch(context.Background(), sd, models.DateRange{})
	require.NoError(t, err)
	require.Len(t, res.Transactions, 1)
	tx := res.Transactions[0]
	assert.Equal(t, models.TxStakeReward, tx.Type)
	assert.Equal(t, "oauth:coinbase", tx.SourceRef)
	assert.Equal(t, "30", tx.FiatValue.Decimal.String())
}

func TestRefreshFailureIsAuthenticationFailure(t *testing.T) {
	tokenCalls := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenSrv.Close()
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called without a token")
	}))
	defer apiSrv.Close()

	sd := models.SourceData{OAuth: &models.OAuthPayload{Provider: "x", RefreshToken: "revoked"}}
	_, err := newTestConnector(tokenSrv.URL, apiSrv.URL).Fetch(context.Background(), sd, models.DateRange{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAuthenticationFailure)
	assert.Equal(t, 1, tokenCalls)
}

func TestValidAccessTokenIsUsedAsIs(t *testing.T) {
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer live", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[]}`))
	}))
	defer apiSrv.Close()

	sd := models.SourceData{OAuth: &models.OAuthPayload{Provider: "x", AccessToken: "live"}}
	res, err := newTestConnector("http://127.0.0.1:1/token", apiSrv.URL).Fetch(context.Background(), sd, models.DateRange{})
	require.NoError(t, err)
	assert.Empty(t, res.Transactions)
}
