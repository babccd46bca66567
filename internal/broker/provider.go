package broker

import (
	"context"
	"errors"
)

// ErrProviderNotConfigured is returned by UnconfiguredProvider for every
// capability.
var ErrProviderNotConfigured = errors.New("broker: capability provider not configured")

// UnconfiguredProvider stands in when no provider credentials exist. Every
// call fails, which the endpoints surface as a gateway error.
type UnconfiguredProvider struct{}

func (UnconfiguredProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	return "", ErrProviderNotConfigured
}

func (UnconfiguredProvider) Speak(ctx context.Context, text string) (string, error) {
	return "", ErrProviderNotConfigured
}

func (UnconfiguredProvider) Transcribe(ctx context.Context, mediaPath string) (string, error) {
	return "", ErrProviderNotConfigured
}

func (UnconfiguredProvider) Summarize(ctx context.Context, url string) (string, error) {
	return "", ErrProviderNotConfigured
}
