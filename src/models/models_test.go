package models

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{fmt.Errorf("%w: year", ErrValidation), CodeValidation},
		{&MalformedInputError{Source: "csv", Row: 2, Reason: "bad"}, CodeValidation},
		{&PriceUnavailableError{Asset: "BTC", Day: "2023-01-01"}, CodePriceUnavailable},
		{UpstreamErrorFromStatus("etherscan", http.StatusForbidden, 0), CodeAuthenticationFailure},
		{UpstreamErrorFromStatus("etherscan", http.StatusTooManyRequests, time.Second), CodeRateLimited},
		{UpstreamErrorFromStatus("etherscan", http.StatusBadGateway, 0), CodeUpstreamUnavailable},
		{fmt.Errorf("run: %w", ErrTimeout), CodeTimeout},
		{ErrNotFound, CodeInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CodeOf(c.err), "%v", c.err)
	}
	assert.Equal(t, http.StatusBadGateway, CodeUpstreamUnavailable.HTTPStatus())
	assert.Equal(t, PublicMessage(CodeInternal), PublicMessage("SOMETHING_NEW"))
}

func TestUpstreamErrorRetryable(t *testing.T) {
	assert.True(t, UpstreamErrorFromStatus("p", http.StatusTooManyRequests, 0).Retryable())
	assert.True(t, UpstreamErrorFromStatus("p", http.StatusServiceUnavailable, 0).Retryable())
	assert.True(t, (&UpstreamError{Provider: "p", Kind: ErrUpstreamUnavailable}).Retryable())
	assert.False(t, UpstreamErrorFromStatus("p", http.StatusUnauthorized, 0).Retryable())

	notFound := UpstreamErrorFromStatus("p", http.StatusNotFound, 0)
	assert.False(t, notFound.Retryable())
	assert.Contains(t, notFound.Error(), "HTTP 404")
}

func TestSourceDataRedacted(t *testing.T) {
	sd := SourceData{APIKey: &APIKeyPayload{APIKey: "abcdefgh1234", APISecret: "s3"}}
	red := sd.Redacted()
	assert.Equal(t, "****1234", red.APIKey.APIKey)
	assert.Equal(t, "****", red.APIKey.APISecret)
	assert.Equal(t, "abcdefgh1234", sd.APIKey.APIKey)

	csv := SourceData{CSV: &CSVPayload{Filename: "a.csv", Content: "x"}}.Redacted()
	assert.Empty(t, csv.CSV.Content)
	assert.Equal(t, "a.csv", csv.CSV.Filename)
}

func TestDecodeSourceData(t *testing.T) {
	tagged, err := DecodeSourceData(SourceWallet, json.RawMessage(`{"wallet":{"chain":"ethereum","address":"0xabc"}}`))
	require.NoError(t, err)
	require.NotNil(t, tagged.Wallet)
	assert.Equal(t, "ethereum", tagged.Wallet.Chain)

	bare, err := DecodeSourceData(SourceCSV, json.RawMessage(`{"filename":"t.csv","content":"a,b"}`))
	require.NoError(t, err)
	assert.Equal(t, []DataSource{SourceCSV}, bare.Variants())

	_, err = DecodeSourceData(SourceManual, json.RawMessage(`{"entries":"nope"}`))
	assert.ErrorIs(t, err, ErrValidation)

	ds, err := ParseDataSource("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, SourceAPIKey, ds)
}

func TestFiscalYearRange(t *testing.T) {
	madrid, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	r := FiscalYearRange(2023, madrid)
	assert.Equal(t, time.Date(2022, 12, 31, 23, 0, 0, 0, time.UTC), r.From)
	assert.True(t, r.Contains(time.Date(2023, 12, 31, 22, 59, 59, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2023, 12, 31, 23, 0, 0, 0, time.UTC)))
}
