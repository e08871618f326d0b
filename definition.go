package taskflow

import (
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskflow/tabular"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
	"gopkg.in/yaml.v3"
)

// DefaultTaskKind is used for task definitions that do not name a kind.
const DefaultTaskKind = "script"

// DefaultStoreKind is used for checkpoint definitions that do not name a store.
const DefaultStoreKind = "file"

// Definition is the declarative form of a graph, loaded from YAML or HCL.
type Definition struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description,omitempty"`
	Parameters  []*ParameterDefinition `yaml:"parameters,omitempty"`
	Constants   map[string]any         `yaml:"constants,omitempty"`
	Tasks       []*TaskDefinition      `yaml:"tasks"`
}

// ParameterDefinition declares a run parameter. A parameter without a
// default is required.
type ParameterDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Default     any    `yaml:"default,omitempty"`
}

// TaskDefinition declares one task of a graph.
type TaskDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Uses names the task kind, looked up in DefinitionOptions.Factories.
	Uses string `yaml:"uses,omitempty"`

	// Script is the source of script tasks.
	Script string `yaml:"script,omitempty"`

	// With holds kind-specific settings.
	With map[string]any `yaml:"with,omitempty"`

	// Inputs maps an input key to the task, parameter or constant that
	// feeds it.
	Inputs map[string]string `yaml:"inputs,omitempty"`

	// Map lists the input keys whose values are mapped over.
	Map []string `yaml:"map,omitempty"`

	Retries    int                   `yaml:"retries,omitempty"`
	RetryDelay string                `yaml:"retry_delay,omitempty"`
	Checkpoint *CheckpointDefinition `yaml:"checkpoint,omitempty"`
}

// CheckpointDefinition attaches a checkpoint store to a task.
type CheckpointDefinition struct {
	Path  string `yaml:"path"`
	Store string `yaml:"store,omitempty"`
	Shape string `yaml:"shape,omitempty"`
}

// TableShape returns the shape values are stored as. Definitions default to
// lists of records, which is what script tasks return.
func (c *CheckpointDefinition) TableShape() (tabular.Shape, error) {
	if c.Shape == "" {
		return tabular.ShapeList, nil
	}
	return tabular.ParseShape(c.Shape)
}

// TaskFactory builds the function of a task from its definition.
type TaskFactory func(def *TaskDefinition) (TaskFunc, error)

// StoreFactory builds a checkpoint store from its definition.
type StoreFactory func(def *CheckpointDefinition) (Store, error)

// DefinitionOptions supplies the task kinds and stores a definition may use.
type DefinitionOptions struct {
	Factories map[string]TaskFactory
	Stores    map[string]StoreFactory
	Logger    *slog.Logger
}

// ParseDefinition parses a YAML graph definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
	}
	def.normalize()
	return &def, nil
}

// ReadDefinitionFile reads a graph definition, choosing the format from the
// file extension.
func ReadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return ParseHCLDefinition(data, path)
	case ".yaml", ".yml", ".json":
		return ParseDefinition(data)
	default:
		return nil, fmt.Errorf("unsupported graph definition format: %s", path)
	}
}

// LoadFile loads and compiles a YAML or HCL graph definition file.
func LoadFile(path string, opts DefinitionOptions) (*Graph, error) {
	def, err := ReadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	return def.Compile(opts)
}

// LoadString loads and compiles a YAML graph definition.
func LoadString(data string, opts DefinitionOptions) (*Graph, error) {
	def, err := ParseDefinition([]byte(data))
	if err != nil {
		return nil, err
	}
	return def.Compile(opts)
}

// LoadHCL loads and compiles an HCL graph definition. The filename is used
// in diagnostics only.
func LoadHCL(data []byte, filename string, opts DefinitionOptions) (*Graph, error) {
	def, err := ParseHCLDefinition(data, filename)
	if err != nil {
		return nil, err
	}
	return def.Compile(opts)
}

// LoadHCLFile loads and compiles an HCL graph definition file.
func LoadHCLFile(path string, opts DefinitionOptions) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition: %w", err)
	}
	return LoadHCL(data, path, opts)
}

// Compile builds the graph described by the definition.
func (d *Definition) Compile(opts DefinitionOptions) (*Graph, error) {
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	stores := map[string]StoreFactory{
		DefaultStoreKind: func(def *CheckpointDefinition) (Store, error) {
			shape, err := def.TableShape()
			if err != nil {
				return nil, err
			}
			return NewFileStore(FileStoreOptions{Path: def.Path, Shape: shape, Logger: opts.Logger})
		},
		"memory": func(def *CheckpointDefinition) (Store, error) {
			return NewMemoryStore(def.Path)
		},
	}
	for name, factory := range opts.Stores {
		stores[name] = factory
	}

	sources := map[string]*Task{}
	addSource := func(task *Task) error {
		if task.Name == "" {
			return fmt.Errorf("graph %q: names must not be empty", d.Name)
		}
		if _, exists := sources[task.Name]; exists {
			return fmt.Errorf("graph %q: duplicate name %q", d.Name, task.Name)
		}
		sources[task.Name] = task
		return nil
	}

	var tasks []*Task
	for _, p := range d.Parameters {
		var task *Task
		if p.Default != nil {
			task = ParameterWithDefault(p.Name, p.Default)
		} else {
			task = Parameter(p.Name)
		}
		if err := addSource(task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	constantNames := make([]string, 0, len(d.Constants))
	for name := range d.Constants {
		constantNames = append(constantNames, name)
	}
	sort.Strings(constantNames)
	for _, name := range constantNames {
		if err := addSource(Constant(name, d.Constants[name])); err != nil {
			return nil, err
		}
	}

	for _, def := range d.Tasks {
		task, err := compileTask(def, opts.Factories, stores)
		if err != nil {
			return nil, err
		}
		if err := addSource(task); err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	var edges []*Edge
	for _, def := range d.Tasks {
		downstream := sources[def.Name]
		mapped := make(map[string]bool, len(def.Map))
		for _, key := range def.Map {
			if _, ok := def.Inputs[key]; !ok {
				return nil, fmt.Errorf("task %q maps over unknown input %q", def.Name, key)
			}
			mapped[key] = true
		}
		keys := make([]string, 0, len(def.Inputs))
		for key := range def.Inputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			source := def.Inputs[key]
			upstream, ok := sources[source]
			if !ok {
				return nil, fmt.Errorf("task %q input %q refers to unknown task %q", def.Name, key, source)
			}
			if mapped[key] {
				edges = append(edges, NewMappedEdge(upstream, downstream, key))
			} else {
				edges = append(edges, NewEdge(upstream, downstream, key))
			}
		}
	}

	return NewGraph(GraphOptions{Name: d.Name, Tasks: tasks, Edges: edges})
}

func compileTask(def *TaskDefinition, factories map[string]TaskFactory, stores map[string]StoreFactory) (*Task, error) {
	kind := def.Uses
	if kind == "" {
		kind = DefaultTaskKind
	}
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("task %q uses unknown kind %q", def.Name, kind)
	}
	fn, err := factory(def)
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", def.Name, err)
	}
	task := &Task{Name: def.Name, Fn: fn, MaxRetries: def.Retries}
	if def.Retries < 0 {
		return nil, fmt.Errorf("task %q: retries must not be negative", def.Name)
	}
	if def.RetryDelay != "" {
		delay, err := time.ParseDuration(def.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("task %q: invalid retry_delay: %w", def.Name, err)
		}
		task.RetryDelay = delay
	}
	if def.Checkpoint != nil {
		storeKind := def.Checkpoint.Store
		if storeKind == "" {
			storeKind = DefaultStoreKind
		}
		factory, ok := stores[storeKind]
		if !ok {
			return nil, fmt.Errorf("task %q uses unknown checkpoint store %q", def.Name, storeKind)
		}
		store, err := factory(def.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("task %q checkpoint: %w", def.Name, err)
		}
		task.Checkpoint = store
	}
	return task, nil
}

// normalize converts decoded YAML values to the cell types used elsewhere:
// int64 for integers and map[string]any for mappings.
func (d *Definition) normalize() {
	for name, value := range d.Constants {
		d.Constants[name] = normalizeValue(value)
	}
	for _, p := range d.Parameters {
		if p != nil {
			p.Default = normalizeValue(p.Default)
		}
	}
	for _, t := range d.Tasks {
		if t == nil {
			continue
		}
		for k, v := range t.With {
			t.With[k] = normalizeValue(v)
		}
	}
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		if v <= 1<<63-1 {
			return int64(v)
		}
		return float64(v)
	case float32:
		return float64(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}

type hclDefinition struct {
	Name        string          `hcl:"name,optional"`
	Description string          `hcl:"description,optional"`
	Parameters  []*hclParameter `hcl:"parameter,block"`
	Constants   []*hclConstant  `hcl:"constant,block"`
	Tasks       []*hclTask      `hcl:"task,block"`
}

type hclParameter struct {
	Name        string     `hcl:"name,label"`
	Description string     `hcl:"description,optional"`
	Default     *cty.Value `hcl:"default,optional"`
}

type hclConstant struct {
	Name  string    `hcl:"name,label"`
	Value cty.Value `hcl:"value"`
}

type hclTask struct {
	Name        string            `hcl:"name,label"`
	Description string            `hcl:"description,optional"`
	Uses        string            `hcl:"uses,optional"`
	Script      string            `hcl:"script,optional"`
	With        *cty.Value        `hcl:"with,optional"`
	Inputs      map[string]string `hcl:"inputs,optional"`
	Map         []string          `hcl:"map,optional"`
	Retries     int               `hcl:"retries,optional"`
	RetryDelay  string            `hcl:"retry_delay,optional"`
	Checkpoint  *hclCheckpoint    `hcl:"checkpoint,block"`
}

type hclCheckpoint struct {
	Path  string `hcl:"path"`
	Store string `hcl:"store,optional"`
	Shape string `hcl:"shape,optional"`
}

// ParseHCLDefinition parses an HCL graph definition.
func ParseHCLDefinition(data []byte, filename string) (*Definition, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	var parsed hclDefinition
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	def := &Definition{Name: parsed.Name, Description: parsed.Description}
	for _, p := range parsed.Parameters {
		param := &ParameterDefinition{Name: p.Name, Description: p.Description}
		if p.Default != nil {
			value, err := ctyToNative(*p.Default)
			if err != nil {
				return nil, fmt.Errorf("parameter %q default: %w", p.Name, err)
			}
			param.Default = value
		}
		def.Parameters = append(def.Parameters, param)
	}
	if len(parsed.Constants) > 0 {
		def.Constants = make(map[string]any, len(parsed.Constants))
	}
	for _, c := range parsed.Constants {
		if _, exists := def.Constants[c.Name]; exists {
			return nil, fmt.Errorf("duplicate constant %q", c.Name)
		}
		value, err := ctyToNative(c.Value)
		if err != nil {
			return nil, fmt.Errorf("constant %q: %w", c.Name, err)
		}
		def.Constants[c.Name] = value
	}
	for _, t := range parsed.Tasks {
		task := &TaskDefinition{
			Name:        t.Name,
			Description: t.Description,
			Uses:        t.Uses,
			Script:      t.Script,
			Inputs:      t.Inputs,
			Map:         t.Map,
			Retries:     t.Retries,
			RetryDelay:  t.RetryDelay,
		}
		if t.With != nil {
			value, err := ctyToNative(*t.With)
			if err != nil {
				return nil, fmt.Errorf("task %q with: %w", t.Name, err)
			}
			if value != nil {
				with, ok := value.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("task %q: with must be an object", t.Name)
				}
				task.With = with
			}
		}
		if t.Checkpoint != nil {
			task.Checkpoint = &CheckpointDefinition{
				Path:  t.Checkpoint.Path,
				Store: t.Checkpoint.Store,
				Shape: t.Checkpoint.Shape,
			}
		}
		def.Tasks = append(def.Tasks, task)
	}
	return def, nil
}

// ctyToNative converts a cty value to plain Go values. Whole numbers that fit
// become int64, other numbers float64.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert number: %w", err)
		}
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		items := []any{}
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			item, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := map[string]any{}
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			item, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
