package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/username/cryptotaxreports/src/artifacts"
	"github.com/username/cryptotaxreports/src/gateway"
	"github.com/username/cryptotaxreports/src/models"
	"github.com/username/cryptotaxreports/src/security"
	"github.com/username/cryptotaxreports/src/services"
	"github.com/username/cryptotaxreports/src/statemachine"
	"github.com/username/cryptotaxreports/src/store"
	"github.com/username/cryptotaxreports/src/utils"
)

const tradesCSV = `timestamp,type,asset,amount,fiat_value,id
2023-01-10T12:00:00Z,buy,BTC,1.0,20000,1
2023-12-01T12:00:00Z,sell,BTC,1.0,30000,2
`

// machineGenerator begins a run without executing it so tests can drive it.
type machineGenerator struct {
	machine *statemachine.Machine
	runs    []*statemachine.Run
}

func (g *machineGenerator) Trigger(ctx context.Context, id string) (*statemachine.Run, error) {
	run, err := g.machine.Begin(ctx, id)
	if err != nil {
		return nil, err
	}
	g.runs = append(g.runs, run)
	return run, nil
}

type fixture struct {
	store     *store.MemoryStore
	artifacts *artifacts.LocalStore
	gen       *machineGenerator
	mux       *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := utils.FixedClock{T: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(clock)
	arts, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tokens := security.NewDownloadTokenService([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	reports := services.NewReportService(st, tokens, "http://reports.test", clock)
	gen := &machineGenerator{machine: statemachine.New(st)}

	h := NewReportHandler(reports, gen, gateway.NewWatcher(st, 5*time.Millisecond), arts, tokens, 1<<20)
	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{store: st, artifacts: arts, gen: gen, mux: mux}
}

func (f *fixture) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func createBody(content string) map[string]interface{} {
	return map[string]interface{}{
		"dataSource": "csv",
		"sourceData": map[string]string{"filename": "trades.csv", "content": content},
		"reportType": "model-100",
		"fiscalYear": 2023,
		"formats":    []string{"csv", "md"},
		"taxpayer":   map[string]string{"name": "Ana García", "taxId": "12345678Z"},
	}
}

func (f *fixture) create(t *testing.T) models.ReportRequest {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/reports", createBody(tradesCSV))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out models.ReportRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["code"]
}

func TestCreateAndGetWithETag(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	assert.Equal(t, models.StatusDraft, created.Status)

	rec := f.do(t, http.MethodGet, "/api/reports/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, "/api/reports/"+created.ID, nil)
	req.Header.Set("If-None-Match", `"stale", `+etag)
	cached := httptest.NewRecorder()
	f.mux.ServeHTTP(cached, req)
	assert.Equal(t, http.StatusNotModified, cached.Code)
	assert.Empty(t, cached.Body.String())

	list := f.do(t, http.MethodGet, "/api/reports", nil)
	require.Equal(t, http.StatusOK, list.Code)
	var all []models.ReportRequest
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	body := createBody(tradesCSV)
	body["reportType"] = "model-999"
	rec := f.do(t, http.MethodPost, "/api/reports", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(models.CodeValidation), errorCode(t, rec))

	body = createBody(tradesCSV)
	body["unexpected"] = true
	rec = f.do(t, http.MethodPost, "/api/reports", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownReportIsNotFound(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{
		"/api/reports/missing",
		"/api/reports/missing/status",
		"/api/reports/missing/transactions",
		"/api/reports/missing/events",
	} {
		rec := f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, string(codeNotFound), errorCode(t, rec), target)
	}
	rec := f.do(t, http.MethodPost, "/api/reports/missing/generate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateConflictsWhileProcessing(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)

	rec := f.do(t, http.MethodPost, "/api/reports/"+created.ID+"/generate", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted generateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, 1, accepted.Attempt)

	rec = f.do(t, http.MethodPost, "/api/reports/"+created.ID+"/generate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	patch := f.do(t, http.MethodPatch, "/api/reports/"+created.ID, createBody(tradesCSV))
	assert.Equal(t, http.StatusConflict, patch.Code)
	del := f.do(t, http.MethodDelete, "/api/reports/"+created.ID, nil)
	assert.Equal(t, http.StatusConflict, del.Code)

	download := f.do(t, http.MethodGet, "/api/reports/"+created.ID+"/download", nil)
	assert.Equal(t, http.StatusConflict, download.Code)
	assert.Equal(t, string(codeNotReady), errorCode(t, download))
}

func TestStatusReportsFailure(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	rec := f.do(t, http.MethodPost, "/api/reports/"+created.ID+"/generate", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, f.gen.runs[0].Fail(context.Background(), models.ErrPriceUnavailable))

	rec = f.do(t, http.MethodGet, "/api/reports/"+created.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.StatusError, status.Status)
	assert.Equal(t, models.CodePriceUnavailable, status.ErrorCode)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestDownloadFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reports/"+created.ID+"/generate", nil).Code)

	run := f.gen.runs[0]
	key := artifacts.Key(created.ID, run.Attempt, "csv")
	ref, err := f.artifacts.Put(ctx, key, "text/csv; charset=utf-8", []byte("record_type\n"))
	require.NoError(t, err)
	ref.Format = "csv"
	require.NoError(t, run.Complete(ctx, models.CompletionRecord{
		GeneratedReport: key,
		Artifacts:       map[string]models.ArtifactRef{"csv": ref},
		Totals:          models.Totals{TotalTransactions: 2, TotalGains: decimal.NewFromInt(10000), NetResult: decimal.NewFromInt(10000)},
	}))

	rec := f.do(t, http.MethodGet, "/api/reports/"+created.ID+"/download?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/reports/"+created.ID+"/download", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var link services.DownloadLink
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
	assert.Equal(t, "csv", link.Format)

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, u.RequestURI(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "record_type\n", rec.Body.String())
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report-"+created.ID+".csv")

	rec = f.do(t, http.MethodGet, "/api/artifacts/download?token=forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/artifacts/download", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func uploadRequest(t *testing.T, target, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="../../trades.csv"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadCSV(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	target := "/api/reports/" + created.ID + "/csv"

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, uploadRequest(t, target, "text/csv", []byte(tradesCSV)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stored, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "trades.csv", stored.SourceData.CSV.Filename)
	assert.Equal(t, tradesCSV, stored.SourceData.CSV.Content)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, uploadRequest(t, target, "image/png", []byte(tradesCSV)))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, uploadRequest(t, target, "text/csv", png))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, uploadRequest(t, target, "text/csv", bytes.Repeat([]byte("a"), 2<<20)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPriceOverridesAndTransactions(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)

	rec := f.do(t, http.MethodPut, "/api/reports/"+created.ID+"/price-overrides", map[string]interface{}{
		"overrides": []map[string]string{{"asset": "btc", "day": "2023-12-01", "price": "30000"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body priceOverridesBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Overrides, 1)
	assert.Equal(t, "BTC", body.Overrides[0].Asset)

	rec = f.do(t, http.MethodPut, "/api/reports/"+created.ID+"/price-overrides", map[string]interface{}{
		"overrides": []map[string]string{{"asset": "BTC", "day": "01/12/2023", "price": "1"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/reports/"+created.ID+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger ledgerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ledger))
	assert.Equal(t, 0, ledger.Count)
	assert.NotNil(t, ledger.Transactions)
}

func TestDeleteDraft(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	rec := f.do(t, http.MethodDelete, "/api/reports/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/reports/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStreamTerminalState(t *testing.T) {
	f := newFixture(t)
	created := f.create(t)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/reports/"+created.ID+"/generate", nil).Code)
	require.NoError(t, f.gen.runs[0].Fail(context.Background(), models.ErrTimeout))

	rec := f.do(t, http.MethodGet, "/api/reports/"+created.ID+"/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), "event: error"), rec.Body.String())
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	limited := RateLimit(rate.NewLimiter(rate.Every(time.Hour), 1))(ok)
	first := httptest.NewRecorder()
	limited.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, first.Code)
	second := httptest.NewRecorder()
	limited.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	cors := EnableCORS([]string{"http://localhost:5173/"})(RequestLogging(ok))
	req := httptest.NewRequest(http.MethodOptions, "/api/reports", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	cors.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	req.Header.Set("Origin", "http://evil.test")
	rec = httptest.NewRecorder()
	cors.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
