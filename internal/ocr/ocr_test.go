package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/config"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/quota"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
)

type fakeEngine struct {
	name       string
	tier       model.ProviderTier
	extraction Extraction
	err        error
	calls      int
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Tier() model.ProviderTier {
	if f.tier == "" {
		return model.TierFree
	}
	return f.tier
}

func (f *fakeEngine) Extract(ctx context.Context, image []byte) (Extraction, error) {
	f.calls++
	if f.err != nil {
		return Extraction{Engine: f.name}, f.err
	}
	ex := f.extraction
	ex.Engine = f.name
	return ex, nil
}

func TestChain_LocalConfidentStopsChain(t *testing.T) {
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "solve 2x+3=11", Confidence: 0.85}}
	cloud := &fakeEngine{name: "cloud_ocr", extraction: Extraction{Text: "solve 2x+3=11", Confidence: 0.9, CostUSD: 0.001}}
	chain := NewChainWithEngines(0.6, nil, local, cloud)

	ex, err := chain.Extract(context.Background(), []byte("img"), "u-1", model.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, "tesseract", ex.Engine)
	assert.Zero(t, ex.CostUSD)
	assert.Zero(t, cloud.calls)
}

func TestChain_LowConfidenceEscalates(t *testing.T) {
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "garbled", Confidence: 0.3}}
	cloud := &fakeEngine{name: "cloud_ocr", extraction: Extraction{Text: "solve 2x+3=11", Confidence: 0.9, CostUSD: 0.001}}
	chain := NewChainWithEngines(0.6, nil, local, cloud)

	ex, err := chain.Extract(context.Background(), []byte("img"), "u-1", model.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, "cloud_ocr", ex.Engine)
	assert.Equal(t, "solve 2x+3=11", ex.Text)
	assert.InDelta(t, 0.001, ex.CostUSD, 1e-9)
	assert.Equal(t, 1, local.calls)
}

func TestChain_LocalFailureEscalates(t *testing.T) {
	local := &fakeEngine{name: "tesseract", err: eris.New("binary not found")}
	cloud := &fakeEngine{name: "cloud_ocr", extraction: Extraction{Text: "what is photosynthesis", Confidence: 0.9, CostUSD: 0.001}}
	chain := NewChainWithEngines(0.6, nil, local, cloud)

	ex, err := chain.Extract(context.Background(), []byte("img"), "u-1", model.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, "cloud_ocr", ex.Engine)
}

func TestChain_ExhaustedReturnsBestRead(t *testing.T) {
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "s0lve 2x", Confidence: 0.4}}
	cloud := &fakeEngine{name: "cloud_ocr", err: eris.New("503")}
	chain := NewChainWithEngines(0.6, nil, local, cloud)

	ex, err := chain.Extract(context.Background(), []byte("img"), "u-1", model.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, "tesseract", ex.Engine)
	assert.InDelta(t, 0.4, ex.Confidence, 1e-9)
}

func TestChain_AllEnginesFailed(t *testing.T) {
	local := &fakeEngine{name: "tesseract", err: eris.New("crash")}
	cloud := &fakeEngine{name: "cloud_ocr", err: eris.New("503")}
	chain := NewChainWithEngines(0.6, nil, local, cloud)

	_, err := chain.Extract(context.Background(), []byte("img"), "u-1", model.PlanFree)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all engines failed")
}

func TestChain_EmptyImage(t *testing.T) {
	chain := NewChainWithEngines(0.6, nil, &fakeEngine{name: "tesseract"})

	_, err := chain.Extract(context.Background(), nil, "u-1", model.PlanFree)
	require.Error(t, err)
}

func TestChain_RetainsImages(t *testing.T) {
	dir := t.TempDir()
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "ok", Confidence: 0.9}}
	chain := NewChainWithEngines(0.6, nil, local)
	chain.retainDir = dir

	_, err := chain.Extract(context.Background(), []byte("imgbytes"), "u-1", model.PlanFree)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "imgbytes", string(data))
}

func newTestLedger(t *testing.T, cfg config.QuotaConfig) *quota.Ledger {
	t.Helper()
	return quota.NewLedger(store.NewMemory(), cfg)
}

func TestChain_CloudSkippedWhenTierNotPermitted(t *testing.T) {
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "s0lve 2x", Confidence: 0.3}}
	cloud := &fakeEngine{name: "cloud_ocr", tier: model.TierMid, extraction: Extraction{Text: "solve 2x", Confidence: 0.9, CostUSD: 0.001}}
	ledger := newTestLedger(t, config.QuotaConfig{
		Free: config.PlanAllowance{Mid: 0, High: 0},
	})
	chain := NewChainWithEngines(0.6, ledger, local, cloud)

	ex, err := chain.Extract(context.Background(), []byte("img"), "u-1", model.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, "tesseract", ex.Engine)
	assert.Zero(t, cloud.calls)
	assert.Zero(t, ex.CostUSD)
}

func TestChain_CloudChargesQuota(t *testing.T) {
	ctx := context.Background()
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "garbled", Confidence: 0.3}}
	cloud := &fakeEngine{name: "cloud_ocr", tier: model.TierMid, extraction: Extraction{Text: "solve 2x", Confidence: 0.9, CostUSD: 0.001}}
	ledger := newTestLedger(t, config.QuotaConfig{
		Basic: config.PlanAllowance{Mid: 100, High: 10},
	})
	chain := NewChainWithEngines(0.6, ledger, local, cloud)

	ex, err := chain.Extract(ctx, []byte("img"), "u-1", model.PlanBasic)
	require.NoError(t, err)
	assert.Equal(t, "cloud_ocr", ex.Engine)

	report, err := ledger.Usage(ctx, "u-1", model.PlanBasic)
	require.NoError(t, err)
	assert.Equal(t, model.TierMid, report.Tiers[0].Tier)
	assert.Equal(t, 1, report.Tiers[0].Used)
	assert.Zero(t, report.Tiers[0].Reserved)
}

func TestChain_CloudErrorRollsBackQuota(t *testing.T) {
	ctx := context.Background()
	local := &fakeEngine{name: "tesseract", extraction: Extraction{Text: "garbled", Confidence: 0.3}}
	cloud := &fakeEngine{name: "cloud_ocr", tier: model.TierMid, err: eris.New("503")}
	ledger := newTestLedger(t, config.QuotaConfig{
		Basic: config.PlanAllowance{Mid: 100, High: 10},
	})
	chain := NewChainWithEngines(0.6, ledger, local, cloud)

	ex, err := chain.Extract(ctx, []byte("img"), "u-1", model.PlanBasic)
	require.NoError(t, err)
	assert.Equal(t, "tesseract", ex.Engine)

	report, err := ledger.Usage(ctx, "u-1", model.PlanBasic)
	require.NoError(t, err)
	assert.Zero(t, report.Tiers[0].Used)
	assert.Zero(t, report.Tiers[0].Reserved)
}

func TestParseTSV(t *testing.T) {
	tsv := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
		"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t\n" +
		"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tsolve\n" +
		"5\t1\t1\t1\t1\t2\t12\t0\t10\t10\t80\t2x+3=11\n" +
		"5\t1\t1\t1\t2\t1\t0\t12\t10\t10\t70\tplease\n"

	text, conf := parseTSV(tsv)
	assert.Equal(t, "solve 2x+3=11\nplease", text)
	assert.InDelta(t, 0.8, conf, 1e-9)
}

func TestParseTSV_Empty(t *testing.T) {
	text, conf := parseTSV("level\tpage_num\n")
	assert.Empty(t, text)
	assert.Zero(t, conf)
}

func TestCloud_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req cloudOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image_url", req.Document.Type)
		assert.Contains(t, req.Document.ImageURL, "data:image/png;base64,")

		json.NewEncoder(w).Encode(cloudOCRResponse{ //nolint:errcheck
			Pages: []cloudOCRPage{{Index: 0, Markdown: "solve 2x+3=11"}},
		})
	}))
	defer srv.Close()

	c := NewCloud("test-key", srv.URL, "", 0.001)
	ex, err := c.Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "solve 2x+3=11", ex.Text)
	assert.InDelta(t, cloudReadConfidence, ex.Confidence, 1e-9)
	assert.InDelta(t, 0.001, ex.CostUSD, 1e-9)
}

func TestCloud_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCloud("test-key", srv.URL, "", 0.001)
	_, err := c.Extract(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.True(t, resilience.IsTransient(err), "429 should be retryable")
}

func TestCloud_BadRequestNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported image format", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewCloud("test-key", srv.URL, "", 0.001)
	_, err := c.Extract(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.False(t, resilience.IsTransient(err))
}
