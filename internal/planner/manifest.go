package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/stageflow/internal/analyzer"
	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Manifest is a pipeline plan as written by hand or generated upstream.
//
//	name: checkout
//	deployment: checkout-web
//	max_retries: 3
//	tasks:
//	  - id: store
//	    path: store/store.go
//	    source_file: store/store.go
//	    priority: 5
//	  - id: api
//	    path: api/api.go
//	    depends_on: [store]
type Manifest struct {
	Name       string         `yaml:"name"`
	Deployment string         `yaml:"deployment,omitempty"`
	MaxRetries int            `yaml:"max_retries,omitempty"`
	Tasks      []ManifestTask `yaml:"tasks"`
}

// ManifestTask is one planned file.
type ManifestTask struct {
	ID     string `yaml:"id"`
	Path   string `yaml:"path"`
	Source string `yaml:"source,omitempty"`
	// SourceFile is read relative to the manifest when Source is empty.
	SourceFile string   `yaml:"source_file,omitempty"`
	DependsOn  []string `yaml:"depends_on,omitempty"`
	Priority   int      `yaml:"priority,omitempty"`
	Cost       float64  `yaml:"cost,omitempty"`
	// Payload is handed to the executor verbatim. When empty the executor
	// receives {"path": ..., "source": ...}.
	Payload string `yaml:"payload,omitempty"`
}

// ParseManifest decodes a manifest, rejecting unknown fields.
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse manifest: empty document")
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads path and inlines every source_file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	base := filepath.Dir(path)
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if t.Source != "" || t.SourceFile == "" {
			continue
		}
		src := t.SourceFile
		if !filepath.IsAbs(src) {
			src = filepath.Join(base, src)
		}
		b, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("task %s: read source: %w", t.ID, err)
		}
		t.Source = string(b)
	}
	return m, nil
}

// Validate checks ids, paths and retry budget.
func (m *Manifest) Validate() error {
	if m.MaxRetries < 0 {
		return &domain.ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	seen := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.ID == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: "required"}
		}
		if seen[t.ID] {
			return &domain.ConfigError{Field: fmt.Sprintf("tasks[%d].id", i), Reason: "duplicate id " + t.ID}
		}
		seen[t.ID] = true
		if t.Cost < 0 {
			return &domain.ConfigError{Field: fmt.Sprintf("tasks[%d].cost", i), Reason: "must not be negative"}
		}
	}
	return nil
}

// AnalyzerTasks returns the analyzer input.
func (m *Manifest) AnalyzerTasks() []analyzer.Task {
	out := make([]analyzer.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		path := t.Path
		if path == "" {
			path = t.ID
		}
		out = append(out, analyzer.Task{
			ID:        t.ID,
			Path:      path,
			Source:    []byte(t.Source),
			DependsOn: t.DependsOn,
			Priority:  t.Priority,
			Cost:      t.Cost,
		})
	}
	return out
}

// QueueTasks returns the queue tasks the planner releases.
func (m *Manifest) QueueTasks() ([]*domain.Task, error) {
	now := time.Now().UTC()
	out := make([]*domain.Task, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		payload := []byte(t.Payload)
		if t.Payload == "" {
			b, err := json.Marshal(map[string]string{"path": t.Path, "source": t.Source})
			if err != nil {
				return nil, fmt.Errorf("task %s: encode payload: %w", t.ID, err)
			}
			payload = b
		}
		labels := map[string]string{}
		if t.Path != "" {
			labels[domain.LabelPath] = t.Path
		}
		if m.Deployment != "" {
			labels[domain.LabelDeployment] = m.Deployment
		}
		out = append(out, &domain.Task{
			ID:         t.ID,
			Payload:    payload,
			Priority:   t.Priority,
			State:      domain.StatePending,
			MaxRetries: m.MaxRetries,
			CreatedAt:  now,
			Labels:     labels,
		})
	}
	return out, nil
}
