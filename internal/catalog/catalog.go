// Package catalog tracks the currently loaded dataset: its schema, a small
// set of sample rows for model context, and the source it was loaded from.
// It is the single place the rest of the service asks "what can be queried
// right now".
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/askdb/askdb/internal/dataset"
	"github.com/askdb/askdb/internal/query"
)

type Catalog struct {
	loader     *dataset.Loader
	engine     query.Engine
	source     string
	table      string
	sampleRows int

	mu         sync.RWMutex
	descriptor dataset.Descriptor
	samples    [][]any
}

func New(loader *dataset.Loader, engine query.Engine, source, table string, sampleRows int) *Catalog {
	if sampleRows <= 0 {
		sampleRows = 3
	}
	return &Catalog{
		loader:     loader,
		engine:     engine,
		source:     source,
		table:      table,
		sampleRows: sampleRows,
	}
}

// Reload ingests the source (a no-op when its signature is unchanged) and
// refreshes the cached schema and sample rows.
func (c *Catalog) Reload(ctx context.Context) (dataset.Descriptor, error) {
	descriptor, err := c.loader.Load(ctx, c.source, c.table)
	if err != nil {
		return dataset.Descriptor{}, err
	}

	samples, err := c.fetchSamples(ctx, descriptor)
	if err != nil {
		return dataset.Descriptor{}, err
	}

	c.mu.Lock()
	c.descriptor = descriptor
	c.samples = samples
	c.mu.Unlock()
	return descriptor, nil
}

func (c *Catalog) fetchSamples(ctx context.Context, descriptor dataset.Descriptor) ([][]any, error) {
	result, err := c.engine.Execute(ctx, query.Request{
		SQL:      fmt.Sprintf(`SELECT * FROM %q`, descriptor.Table),
		RowLimit: c.sampleRows,
	})
	if err != nil {
		return nil, fmt.Errorf("sample rows for %q: %w", descriptor.Table, err)
	}
	return result.Rows, nil
}

func (c *Catalog) Descriptor() dataset.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.descriptor
}

func (c *Catalog) Samples() [][]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.samples
}

func (c *Catalog) Source() string {
	return c.source
}
