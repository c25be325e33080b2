package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/TFMV/sqlgate/pkg/dialect"
)

// provisioner runs the audit schema once per logical database. A failed
// attempt leaves the database unmarked so the next call retries.
type provisioner struct {
	mu   sync.Mutex
	done map[string]bool
}

func newProvisioner() *provisioner {
	return &provisioner{done: make(map[string]bool)}
}

func (p *provisioner) ensure(ctx context.Context, logical string, db *sql.DB, d dialect.Dialect) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done[logical] {
		return nil
	}

	for _, stmt := range d.AuditSchema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}

	p.done[logical] = true
	return nil
}

func (p *provisioner) forget(logical string) {
	p.mu.Lock()
	delete(p.done, logical)
	p.mu.Unlock()
}
