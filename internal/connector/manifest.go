package connector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KrishnaKumarTiwari/omni-sql/internal/types"
)

// Manifest is the YAML description of one source. Declaratively described
// connectors are all served by the same Static adapter parameterized by
// this value; there is no per-source code generation.
type Manifest struct {
	Source string          `yaml:"source"`
	Tables []TableManifest `yaml:"tables"`

	// Rate parameters for the per-tenant token bucket.
	RateCapacity    float64 `yaml:"rate_capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`

	// HardStalenessCapMS is the ceiling beyond which cached rows may never
	// be served.
	HardStalenessCapMS int64 `yaml:"hard_staleness_cap_ms"`

	// DeadlineMS is the per-source fetch deadline; zero defers to the
	// query deadline.
	DeadlineMS int64 `yaml:"deadline_ms"`

	// LatencyMS simulates upstream latency on every fetch.
	LatencyMS int64 `yaml:"latency_ms"`
}

// TableManifest describes one table of a source.
type TableManifest struct {
	Name             string           `yaml:"name"`
	Columns          []ColumnManifest `yaml:"columns"`
	PushableFilters  []string         `yaml:"pushable_filters"`
	ExtendedOps      bool             `yaml:"extended_ops"`
	ConditionalFetch bool             `yaml:"conditional_fetch"`
	// Rows seeds the static adapter's data, keyed by column name.
	Rows []map[string]any `yaml:"rows"`
}

// ColumnManifest is a column with its manifest-spelled type.
type ColumnManifest struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ParseManifest decodes and validates one YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects inconsistent manifests before they reach the planner.
func (m *Manifest) Validate() error {
	if m.Source == "" {
		return fmt.Errorf("manifest missing source name")
	}
	if len(m.Tables) == 0 {
		return fmt.Errorf("manifest %s declares no tables", m.Source)
	}
	for _, t := range m.Tables {
		if t.Name == "" {
			return fmt.Errorf("manifest %s has a table without a name", m.Source)
		}
		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if _, err := types.ParseSemType(c.Type); err != nil {
				return fmt.Errorf("manifest %s table %s column %s: %w", m.Source, t.Name, c.Name, err)
			}
			cols[c.Name] = true
		}
		for _, f := range t.PushableFilters {
			if !cols[f] {
				return fmt.Errorf("manifest %s table %s: pushable filter %q is not a column", m.Source, t.Name, f)
			}
		}
		for i, row := range t.Rows {
			for col := range row {
				if !cols[col] {
					return fmt.Errorf("manifest %s table %s row %d: unknown column %q", m.Source, t.Name, i, col)
				}
			}
		}
	}
	return nil
}

// Descriptor converts the manifest into the planner's view of the source.
func (m *Manifest) Descriptor() (types.SourceDescriptor, error) {
	desc := types.SourceDescriptor{
		Name:             m.Source,
		Tables:           make(map[string]types.TableDescriptor, len(m.Tables)),
		RateCapacity:     m.RateCapacity,
		RefillPerSecond:  m.RefillPerSecond,
		HardStalenessCap: time.Duration(m.HardStalenessCapMS) * time.Millisecond,
		Deadline:         time.Duration(m.DeadlineMS) * time.Millisecond,
	}
	for _, t := range m.Tables {
		schema := make(types.Schema, 0, len(t.Columns))
		for _, c := range t.Columns {
			st, err := types.ParseSemType(c.Type)
			if err != nil {
				return types.SourceDescriptor{}, err
			}
			schema = append(schema, types.Column{Name: c.Name, Type: st})
		}
		desc.Tables[t.Name] = types.TableDescriptor{
			Name:             t.Name,
			Columns:          schema,
			PushableFilters:  append([]string(nil), t.PushableFilters...),
			ExtendedOps:      t.ExtendedOps,
			ConditionalFetch: t.ConditionalFetch,
		}
	}
	return desc, nil
}

// LoadDir parses every *.yaml / *.yml manifest under dir into adapters.
func LoadDir(dir string) ([]*Static, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory %s: %w", dir, err)
	}
	var out []*Static
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", name, err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
		s, err := NewStatic(m)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no manifests found in %s", dir)
	}
	return out, nil
}
