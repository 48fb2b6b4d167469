package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
)

// Tesseract extracts text from images using the tesseract CLI tool.
type Tesseract struct {
	binPath string
}

// NewTesseract creates a Tesseract engine. If binPath is empty,
// "tesseract" is used.
func NewTesseract(binPath string) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	return &Tesseract{binPath: binPath}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Tier() model.ProviderTier { return model.TierFree }

// Extract runs tesseract in TSV mode on the image and returns the
// recognized text with the mean word confidence scaled to [0,1].
func (t *Tesseract) Extract(ctx context.Context, image []byte) (Extraction, error) {
	cmd := exec.CommandContext(ctx, t.binPath, "stdin", "stdout", "tsv")
	cmd.Stdin = bytes.NewReader(image)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Extraction{}, eris.Wrapf(err, "ocr: tesseract failed: %s", stderr.String())
	}

	text, confidence := parseTSV(stdout.String())
	return Extraction{
		Text:       text,
		Confidence: confidence,
		Engine:     t.Name(),
	}, nil
}

// parseTSV collects recognized words from tesseract TSV output.
// Level 5 rows are words; conf is 0-100, -1 for non-word rows.
func parseTSV(tsv string) (string, float64) {
	var (
		words    []string
		confSum  float64
		confSeen int
		lastLine string
	)
	for _, line := range strings.Split(tsv, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}

		// Start a new line in the output when the block/par/line triple changes.
		lineKey := cols[2] + ":" + cols[3] + ":" + cols[4]
		if lastLine != "" && lineKey != lastLine {
			words = append(words, "\n")
		}
		lastLine = lineKey

		words = append(words, word)
		confSum += conf
		confSeen++
	}
	if confSeen == 0 {
		return "", 0
	}

	var sb strings.Builder
	for i, w := range words {
		if w == "\n" {
			sb.WriteString("\n")
			continue
		}
		if i > 0 && words[i-1] != "\n" {
			sb.WriteString(" ")
		}
		sb.WriteString(w)
	}
	return strings.TrimSpace(sb.String()), confSum / float64(confSeen) / 100
}
