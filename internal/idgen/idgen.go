// Package idgen issues human-facing registration numbers such as
// "MRG-2026-00042". The sequence lives in Redis; when Redis is unreachable
// the generator falls back to a random suffix and says so explicitly, instead
// of masking the failure the way the source system did.
package idgen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultPrefix = "MRG"

// Sequencer yields a monotonically increasing value for a key.
type Sequencer interface {
	Next(ctx context.Context, key string) (int64, error)
}

// Number is a generated registration number. Degraded marks the random
// fallback path so callers can log and surface it.
type Number struct {
	Value    string
	Degraded bool
}

// Generator builds registration numbers from a yearly sequence.
type Generator struct {
	seq    Sequencer
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithPrefix overrides the default "MRG" prefix.
func WithPrefix(prefix string) Option {
	return func(g *Generator) {
		if prefix != "" {
			g.prefix = prefix
		}
	}
}

// WithClock injects time for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func New(seq Sequencer, logger *slog.Logger, opts ...Option) *Generator {
	g := &Generator{seq: seq, prefix: defaultPrefix, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the next registration number. It never fails: a sequencer
// outage produces a tagged degraded number so registration can proceed.
func (g *Generator) Generate(ctx context.Context) Number {
	year := g.now().UTC().Year()
	key := fmt.Sprintf("%s:seq:%d", strings.ToLower(g.prefix), year)

	n, err := g.seq.Next(ctx, key)
	if err != nil {
		suffix := strings.ToUpper(uuid.NewString()[:8])
		g.logger.WarnContext(ctx, "sequence generation failed, issuing degraded registration number",
			"error", err, "suffix", suffix)
		return Number{
			Value:    fmt.Sprintf("%s-%d-R%s", g.prefix, year, suffix),
			Degraded: true,
		}
	}
	return Number{Value: fmt.Sprintf("%s-%d-%05d", g.prefix, year, n)}
}
