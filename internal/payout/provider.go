package payout

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
)

// Provider publishes the active payout table. Readers get the table that
// was current at the instant of the call; Set never mutates a table a
// reader already holds.
type Provider struct {
	current atomic.Pointer[Table]
}

// NewProvider creates a provider serving t (DefaultTable when nil).
func NewProvider(t *Table) (*Provider, error) {
	if t == nil {
		t = DefaultTable()
	}
	p := &Provider{}
	if err := p.Set(t); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the active table. Callers must not modify it.
func (p *Provider) Current() *Table {
	return p.current.Load()
}

// Set validates t and makes a copy of it the active table.
func (p *Provider) Set(t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.current.Store(t.Clone())
	return nil
}

// LoadFile reads a JSON table from path. Fields absent from the file keep
// the values of base.
func LoadFile(path string, base *Table) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payout table %s: %w", path, err)
	}
	t := base.Clone()
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parse payout table %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
