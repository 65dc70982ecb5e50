// Package enricher defines the AlertEnricher capability (spec §9):
// a single synchronous hook SystemMonitor calls before persisting an
// alert, letting a description be augmented with extra context. Any
// failure or absence yields the basic message unchanged — enrichment
// is an enhancement, never a dependency.
package enricher

import "context"

// Context carries the fields an enricher may use to produce additional
// descriptive text for an alert about to be created.
type Context struct {
	Category string
	Severity string
	Source   string
	Message  string
	Value    float64
}

// Enricher augments an alert's description. A return of ("", false)
// means no enrichment was produced; the caller keeps the basic message.
type Enricher interface {
	Enrich(ctx context.Context, alertCtx Context) (string, bool)
}

// Noop is the default Enricher: it never produces additional text.
// cmd/sentineld uses it whether or not EnricherOn is set, since no
// other implementation ships in this tree.
type Noop struct{}

// Enrich always returns ("", false).
func (Noop) Enrich(context.Context, Context) (string, bool) {
	return "", false
}
