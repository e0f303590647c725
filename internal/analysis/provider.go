// Package analysis holds the providers that turn an aggregated context
// bundle into an analysis result. Two strategies exist: an inline provider
// that answers within the request (seconds) and a background provider that a
// worker drives to completion (minutes). The job record stores which one
// produced it, so pollers behave uniformly.
package analysis

import (
	"context"

	"github.com/kalambet/dossier/internal/bundle"
)

// Mode selects how a provider's work is executed.
type Mode string

const (
	// ModeInline providers run within the request that created the job.
	ModeInline Mode = "inline"
	// ModeBackground providers run in a worker, decoupled from the request.
	ModeBackground Mode = "background"
)

// Provider is an opaque analysis capability.
type Provider interface {
	Mode() Mode
	Analyze(ctx context.Context, b bundle.Bundle) (string, error)
}

const systemPrompt = "You are a market intelligence analyst. You receive a " +
	"structured dossier of collected data about one subject: pricing, technical " +
	"summary, sentiment, headlines, on-chain statistics, and research excerpts. " +
	"Write a concise analysis grounded only in the supplied data. Note which " +
	"kinds are missing and how that limits confidence."
