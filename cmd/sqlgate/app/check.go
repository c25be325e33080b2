package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TFMV/sqlgate/pkg/errors"
)

// HealthStatus is the outcome of checking one logical database.
type HealthStatus struct {
	Database string        `json:"database" yaml:"database"`
	Healthy  bool          `json:"healthy" yaml:"healthy"`
	Latency  time.Duration `json:"latency" yaml:"latency"`
	Category string        `json:"category,omitempty" yaml:"category,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Check pings every configured database concurrently. A failing database
// does not cancel the others.
func (a *App) Check(ctx context.Context) []HealthStatus {
	names := a.provider.Databases()
	results := make([]HealthStatus, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, name := range names {
		g.Go(func() error {
			start := time.Now()
			err := a.provider.HealthCheck(gctx, name)

			status := HealthStatus{
				Database: name,
				Healthy:  err == nil,
				Latency:  time.Since(start),
			}
			if err != nil {
				status.Error = errors.GetMessage(err)
				if errors.IsConnection(err) {
					status.Category = errors.GetCategory(err)
				}
				a.logger.Warn().Err(err).Str("database", name).Msg("Health check failed")
			}
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()

	return results
}
