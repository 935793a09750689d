package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/jerga/internal/config"
)

// deepgramRecognizer posts buffered audio to Deepgram's pre-recorded
// /v1/listen endpoint. Partials are skipped; the hosted model is billed per
// request and interim text comes from the next final anyway.
type deepgramRecognizer struct {
	endpoint string
	apiKey   string
	query    url.Values
	client   *http.Client
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func NewDeepgramRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram api key is empty")
	}
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://api.deepgram.com"
	}
	query := url.Values{}
	if cfg.Model != "" {
		query.Set("model", cfg.Model)
	}
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	query.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	query.Set("punctuate", strconv.FormatBool(cfg.Punctuate))
	return &deepgramRecognizer{
		endpoint: endpoint + "/v1/listen",
		apiKey:   cfg.APIKey,
		query:    query,
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (r *deepgramRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if !final || len(pcm) == 0 {
		return TranscriptResult{}, nil
	}

	file, err := os.CreateTemp("", "jerga_deepgram_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return TranscriptResult{}, fmt.Errorf("rewind wav: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"?"+r.query.Encode(), file)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+r.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := r.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return TranscriptResult{}, fmt.Errorf("deepgram status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(decoded.Results.Channels) == 0 || len(decoded.Results.Channels[0].Alternatives) == 0 {
		return TranscriptResult{}, nil
	}
	best := decoded.Results.Channels[0].Alternatives[0]
	return TranscriptResult{Text: strings.TrimSpace(best.Transcript), Confidence: best.Confidence}, nil
}

// NewRecognizer picks the backend named by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "deepgram":
		return NewDeepgramRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
