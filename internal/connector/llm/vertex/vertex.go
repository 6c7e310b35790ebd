// Package vertex builds an llm.Provider for Vertex AI's OpenAI-compatible
// chat-completions endpoint, adapted from the teacher's
// internal/service/llm/vertex package: same Google Application Default
// Credentials token source, same OpenAI-compatible wire format. Unlike the
// teacher, which duplicated the full request/response/SSE plumbing between
// its openai and vertex packages, this adapts openai.Provider directly —
// Vertex's OpenAI-compatible endpoint differs from plain OpenAI only in
// its URL and how the bearer token is obtained, and openai.Provider already
// takes a pluggable openai.TokenSource for exactly that case.
package vertex

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/rakunlabs/at/internal/connector/llm/openai"
	"github.com/rakunlabs/at/internal/llm"
)

// scope is the OAuth2 scope Vertex AI's OpenAI-compatible endpoint requires.
const scope = "https://www.googleapis.com/auth/cloud-platform"

// adcTokenSource adapts an oauth2.TokenSource (refreshed automatically) to
// openai.TokenSource's per-request, context-aware shape.
type adcTokenSource struct {
	ts oauth2.TokenSource
}

func (a adcTokenSource) Token(context.Context) (string, error) {
	tok, err := a.ts.Token()
	if err != nil {
		return "", fmt.Errorf("get google access token: %w", err)
	}
	return tok.AccessToken, nil
}

// New builds a Vertex AI provider. endpointURL is the full OpenAI-compatible
// chat-completions endpoint, e.g.:
//
//	https://us-central1-aiplatform.googleapis.com/v1/projects/PROJECT/locations/us-central1/endpoints/openapi/chat/completions
//
// Authentication uses Application Default Credentials: set
// GOOGLE_APPLICATION_CREDENTIALS to a service account key file, or run on
// GCE/Cloud Run/GKE where ADC is ambient.
func New(model, endpointURL, proxy string, insecureSkipVerify bool) (llm.Provider, error) {
	if endpointURL == "" {
		return nil, fmt.Errorf("vertex provider requires the full chat-completions endpoint URL")
	}

	ts, err := google.DefaultTokenSource(context.Background(), scope)
	if err != nil {
		return nil, fmt.Errorf("google application default credentials: %w", err)
	}

	return openai.New("", model, endpointURL, proxy, insecureSkipVerify, nil, openai.WithTokenSource(adcTokenSource{ts: ts}))
}
