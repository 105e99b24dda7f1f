package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"
)

// Generator is the streaming surface of the Gen AI models API.
type Generator interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type ClientConfig struct {
	APIKey string
	Model  string
}

// NewGenerator connects to the Gemini API.
func NewGenerator(ctx context.Context, cfg ClientConfig) (Generator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client.Models, nil
}

// errorCode maps a generation error to the code reported to the transcript.
func errorCode(err error) (code, message string) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiCode(apiErr), apiErr.Message
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiCode(*apiErrPtr), apiErrPtr.Message
	}
	return "GENERATION_FAILED", err.Error()
}

func apiCode(e genai.APIError) string {
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("HTTP_%d", e.Code)
}

// blockingFinishReasons end a candidate without a usable answer.
var blockingFinishReasons = map[string]bool{
	"SAFETY":                  true,
	"RECITATION":              true,
	"BLOCKLIST":               true,
	"PROHIBITED_CONTENT":      true,
	"SPII":                    true,
	"MALFORMED_FUNCTION_CALL": true,
}
