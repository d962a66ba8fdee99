package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Source is the pluggable origin of tenant records. Registry wraps whichever
// Source is configured with an in-memory read-through cache and the
// eventbus wiring; sources themselves stay stateless about invalidation.
type Source interface {
	// LoadAll returns every known tenant. Called once at startup and on
	// explicit Reload.
	LoadAll(ctx context.Context) (map[string]Tenant, error)

	// Upsert persists attrs for id, if the source supports mutation.
	// StaticSource and FileSource return ErrReadOnly.
	Upsert(ctx context.Context, id string, attrs Attrs) error

	// Delete removes id from the source, if the source supports mutation.
	Delete(ctx context.Context, id string) error
}

// ErrReadOnly is returned by sources that don't support administrative
// mutation (static and file sources: the registry's in-memory cache still
// accepts AddOrUpdate/Remove for the current process lifetime, but a
// restart will not see the change).
var ErrReadOnly = fmt.Errorf("registry source is read-only")

// StaticSource is an inline map, for tests and small deployments.
type StaticSource struct {
	mu      sync.Mutex
	tenants map[string]Tenant
}

// NewStaticSource builds a StaticSource from a fixed set of tenants.
func NewStaticSource(tenants map[string]Tenant) *StaticSource {
	cp := make(map[string]Tenant, len(tenants))
	for k, v := range tenants {
		cp[k] = v
	}
	return &StaticSource{tenants: cp}
}

func (s *StaticSource) LoadAll(_ context.Context) (map[string]Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]Tenant, len(s.tenants))
	for k, v := range s.tenants {
		cp[k] = v
	}
	return cp, nil
}

func (s *StaticSource) Upsert(_ context.Context, _ string, _ Attrs) error { return ErrReadOnly }
func (s *StaticSource) Delete(_ context.Context, _ string) error         { return ErrReadOnly }

// fileRecord is the on-disk shape of one tenant in a FileSource document.
type fileRecord struct {
	SheetRef string            `json:"sheet_ref"`
	Name     string            `json:"name"`
	Plan     string            `json:"plan"`
	Enabled  bool              `json:"enabled"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FileSource loads `{tenantId: {sheet_ref, name, plan, enabled}}` from a JSON
// file. Reload() re-reads the file explicitly; there is no filesystem
// watcher (out of scope).
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) LoadAll(_ context.Context) (map[string]Tenant, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file %s: %w", s.path, err)
	}

	var records map[string]fileRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing registry file %s: %w", s.path, err)
	}

	out := make(map[string]Tenant, len(records))
	for id, r := range records {
		out[id] = Tenant{
			ID:       id,
			SheetRef: r.SheetRef,
			Name:     r.Name,
			Plan:     Plan(r.Plan),
			Enabled:  r.Enabled,
			Metadata: r.Metadata,
		}
	}
	return out, nil
}

func (s *FileSource) Upsert(_ context.Context, _ string, _ Attrs) error { return ErrReadOnly }
func (s *FileSource) Delete(_ context.Context, _ string) error         { return ErrReadOnly }
