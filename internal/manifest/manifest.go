// Package manifest defines the declarative graph-manifest document
// the compiler consumes, per spec §3 "Manifest (input to compiler)"
// and §6 "Manifest format: YAML or JSON; schema references
// dereferenced." Decoding uses gopkg.in/yaml.v3, generalized from the
// teacher's container/container.go composition-root pattern of typed
// config structs with an "extras" bag for forward-compatible fields
// (spec §9 "Dynamic named-parameter manifests → strongly typed structs
// with an extras bag").
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ActivityType enumerates the activity kinds spec §3 names. "activity"
// is a legacy alias for "hook", normalized by the compiler's
// convertActivitiesToHooks step.
type ActivityType string

const (
	Trigger   ActivityType = "trigger"
	Await     ActivityType = "await"
	Worker    ActivityType = "worker"
	Hook      ActivityType = "hook"
	Signal    ActivityType = "signal"
	Cycle     ActivityType = "cycle"
	Interrupt ActivityType = "interrupt"
	LegacyHook ActivityType = "activity"
)

// Transition is one outgoing edge in a graph's transitions map.
type Transition struct {
	To         string      `yaml:"to" json:"to"`
	Conditions interface{} `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// HookBinding is one entry in a graph's hooks map.
type HookBinding struct {
	To         string      `yaml:"to" json:"to"`
	Conditions interface{} `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Activity is one node in a graph. Consumes/Produces are populated by
// the compiler, not authored in the manifest (spec §3).
type Activity struct {
	ID       string                 `yaml:"-" json:"-"`
	Type     ActivityType           `yaml:"type" json:"type"`
	Topic    string                 `yaml:"topic,omitempty" json:"topic,omitempty"`
	Subtype  string                 `yaml:"subtype,omitempty" json:"subtype,omitempty"`
	Job      map[string]interface{} `yaml:"job,omitempty" json:"job,omitempty"`
	Input    *Schema                `yaml:"input,omitempty" json:"input,omitempty"`
	Output   *Schema                `yaml:"output,omitempty" json:"output,omitempty"`
	Cycle    bool                   `yaml:"cycle,omitempty" json:"cycle,omitempty"`
	Ancestor string                 `yaml:"ancestor,omitempty" json:"ancestor,omitempty"`
	Parent   string                 `yaml:"parent,omitempty" json:"parent,omitempty"`

	// Populated by the compiler (spec §4.7 step 8/9).
	Consumes []string `yaml:"-" json:"consumes,omitempty"`
	Produces []string `yaml:"-" json:"produces,omitempty"`

	// Back-bound from the owning graph (spec §4.7 step 5 bindBackRefs).
	Trigger    string `yaml:"-" json:"trigger,omitempty"`
	Subscribes string `yaml:"-" json:"subscribes,omitempty"`
	Publishes  string `yaml:"-" json:"publishes,omitempty"`
	Expire     int    `yaml:"-" json:"expire,omitempty"`
	Persistent bool   `yaml:"-" json:"persistent,omitempty"`

	// Extras is excluded from decoding and is not filled by Load or
	// Parse; unknown manifest keys are dropped.
	Extras map[string]interface{} `yaml:"-" json:"-"`
}

// Schema is a JSON-Schema-shaped input/output declaration. Ref holds a
// "$ref" as written; nothing in this module dereferences it.
type Schema struct {
	Type       string                 `yaml:"type,omitempty" json:"type,omitempty"`
	Properties map[string]interface{} `yaml:"properties,omitempty" json:"properties,omitempty"`
	Required   []string               `yaml:"required,omitempty" json:"required,omitempty"`
	Ref        string                 `yaml:"$ref,omitempty" json:"$ref,omitempty"`
}

// Graph is one workflow graph within an app.
type Graph struct {
	Subscribes  string                  `yaml:"subscribes" json:"subscribes"`
	Publishes   string                  `yaml:"publishes,omitempty" json:"publishes,omitempty"`
	Expire      int                     `yaml:"expire,omitempty" json:"expire,omitempty"`
	Persistent  bool                    `yaml:"persistent,omitempty" json:"persistent,omitempty"`
	Activities  map[string]*Activity    `yaml:"activities" json:"activities"`
	Transitions map[string][]Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	Hooks       map[string][]HookBinding `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Input       *Schema                 `yaml:"input,omitempty" json:"input,omitempty"`
	Output      *Schema                 `yaml:"output,omitempty" json:"output,omitempty"`
}

// App is the top-level manifest payload.
type App struct {
	ID      string   `yaml:"id" json:"id"`
	Version string   `yaml:"version" json:"version"`
	Graphs  []*Graph `yaml:"graphs" json:"graphs"`
}

// Manifest is the full decoded document, per spec §6 "Top-level:
// app: { id, version, graphs: [...] }".
type Manifest struct {
	App App `yaml:"app" json:"app"`
}

// Load reads and decodes a YAML (or JSON, which is a YAML subset)
// manifest from path, then assigns each Activity its map key as ID.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", path, err)
	}
	bindActivityIDs(&m)
	return &m, nil
}

// Parse decodes a manifest already held in memory (used by tests and
// by the deploy HTTP API, which accepts a raw body).
func Parse(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	bindActivityIDs(&m)
	return &m, nil
}

func bindActivityIDs(m *Manifest) {
	for _, g := range m.App.Graphs {
		for id, a := range g.Activities {
			a.ID = id
		}
	}
}
