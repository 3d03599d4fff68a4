package stt

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// BearerSource hands out an access token for one recognition session.
// Tokens are short-lived, so callers request one per session instead of
// holding onto them.
type BearerSource interface {
	Token(ctx context.Context) (string, error)
}

type adcBearerSource struct{}

// NewADCBearerSource resolves tokens through Application Default
// Credentials (service account key, workload identity, or gcloud login).
func NewADCBearerSource() BearerSource {
	return adcBearerSource{}
}

func (adcBearerSource) Token(ctx context.Context) (string, error) {
	source, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return "", fmt.Errorf("resolve default credentials: %w", err)
	}

	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}

	return token.AccessToken, nil
}
