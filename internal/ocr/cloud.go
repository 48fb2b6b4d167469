package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/resilience"
)

const (
	defaultCloudEndpoint = "https://api.mistral.ai/v1/ocr"
	defaultCloudModel    = "pixtral-large-latest"

	// The OCR API does not report per-read confidence; a successful
	// cloud read is trusted well above the escalation floor.
	cloudReadConfidence = 0.90
)

// Cloud extracts text from images using a hosted OCR API.
type Cloud struct {
	apiKey       string
	model        string
	endpoint     string
	costPerQuery float64
	client       *http.Client
}

// NewCloud creates a Cloud engine. Empty endpoint and model fall back
// to defaults.
func NewCloud(apiKey, endpoint, model string, costPerQuery float64) *Cloud {
	if endpoint == "" {
		endpoint = defaultCloudEndpoint
	}
	if model == "" {
		model = defaultCloudModel
	}
	return &Cloud{
		apiKey:       apiKey,
		model:        model,
		endpoint:     endpoint,
		costPerQuery: costPerQuery,
		client:       &http.Client{},
	}
}

func (c *Cloud) Name() string { return "cloud_ocr" }

func (c *Cloud) Tier() model.ProviderTier { return model.TierMid }

type cloudOCRRequest struct {
	Model    string           `json:"model"`
	Document cloudOCRDocument `json:"document"`
}

type cloudOCRDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type cloudOCRResponse struct {
	Pages []cloudOCRPage `json:"pages"`
}

type cloudOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// Extract sends the image to the OCR API as a base64 data URL and
// returns the recognized text.
func (c *Cloud) Extract(ctx context.Context, image []byte) (Extraction, error) {
	charged := Extraction{Engine: c.Name(), CostUSD: c.costPerQuery}

	encoded := base64.StdEncoding.EncodeToString(image)
	reqBody := cloudOCRRequest{
		Model: c.model,
		Document: cloudOCRDocument{
			Type:     "image_url",
			ImageURL: "data:image/png;base64," + encoded,
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Extraction{Engine: c.Name()}, eris.Wrap(err, "ocr: marshal cloud request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return Extraction{Engine: c.Name()}, eris.Wrap(err, "ocr: create cloud request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return Extraction{Engine: c.Name()}, eris.Wrap(err, "ocr: cloud API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return charged, eris.Wrap(err, "ocr: read cloud response")
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("ocr: cloud API returned %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return charged, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return charged, resilience.NewPermanentError(statusErr)
	}

	var ocrResp cloudOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return charged, eris.Wrap(err, "ocr: unmarshal cloud response")
	}

	var sb strings.Builder
	for i, page := range ocrResp.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
	}

	charged.Text = strings.TrimSpace(sb.String())
	if charged.Text != "" {
		charged.Confidence = cloudReadConfidence
	}
	return charged, nil
}
