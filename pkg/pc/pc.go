package pc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixyz/scheduler/pkg/log"
)

// SchemaVersion is stamped into every serialized context so future field
// changes can be migrated on read
const SchemaVersion = 1

// ProgramContext is the envelope that travels with a task from submission
// through the worker into the user script and back. Everything in it must
// survive JSON round-trips across the broker and the child process boundary.
type ProgramContext struct {
	Version    int    `json:"version"`
	TaskID     string `json:"task_id,omitempty"`
	Script     string `json:"script,omitempty"`
	Entrypoint string `json:"entrypoint,omitempty"`

	// Data is the script-visible scratch space, preserved across retries
	// and passed along chains
	Data map[string]interface{} `json:"data,omitempty"`

	RootFile    string     `json:"root_file,omitempty"`
	TimeRequest *time.Time `json:"time_request,omitempty"`
	TimeLimit   int        `json:"time_limit,omitempty"` // seconds
	Queue       string     `json:"queue,omitempty"`
	ComputeOnly bool       `json:"compute_only,omitempty"`
	Tmp         string     `json:"tmp,omitempty"`
	Raw         bool       `json:"raw,omitempty"`
	Shadow      string     `json:"shadow,omitempty"`
	IsLocal     bool       `json:"is_local,omitempty"`
	Retry       int        `json:"retry,omitempty"`

	InputDir  string `json:"input_dir,omitempty"`
	InputFile string `json:"input_file,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`

	// Params are the user-supplied parameters handed to the entrypoint
	Params map[string]interface{} `json:"params,omitempty"`
}

// immutableKeys cannot be overridden by user-supplied config
var immutableKeys = []string{"task_id", "script", "data", "shadow"}

// New builds a context with its mandatory defaults set
func New(script, entrypoint string) *ProgramContext {
	now := time.Now().UTC()
	return &ProgramContext{
		Version:     SchemaVersion,
		Script:      script,
		Entrypoint:  entrypoint,
		Data:        map[string]interface{}{},
		Params:      map[string]interface{}{},
		TimeRequest: &now,
	}
}

// FromMap rebuilds a context from its map form as carried in a delivery
func FromMap(m map[string]interface{}) (*ProgramContext, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context map: %w", err)
	}
	var p ProgramContext
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode program context: %w", err)
	}
	if p.Data == nil {
		p.Data = map[string]interface{}{}
	}
	if p.Params == nil {
		p.Params = map[string]interface{}{}
	}
	return &p, nil
}

// ToMap returns the JSON map form used inside deliveries
func (p *ProgramContext) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode program context: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Clone returns a deep copy with a fresh TimeRequest stamp and cleared
// per-execution fields, ready to travel as a subtask context
func (p *ProgramContext) Clone() *ProgramContext {
	cp := *p
	now := time.Now().UTC()
	cp.TimeRequest = &now
	cp.Data = deepCopyMap(p.Data)
	cp.Params = deepCopyMap(p.Params)
	// execution-local state never follows a clone
	cp.TaskID = ""
	cp.Retry = 0
	cp.Tmp = ""
	return &cp
}

// Update shallow-merges other's Data and Params into p. The "progress" entry
// of Data, when both sides carry a map, is merged key by key instead of
// replaced so concurrent step logs do not clobber each other.
func (p *ProgramContext) Update(other *ProgramContext) {
	if other == nil {
		return
	}
	mergeShallow(p.Params, other.Params)
	for k, v := range other.Data {
		if k == "progress" {
			dst, dok := p.Data[k].(map[string]interface{})
			src, sok := v.(map[string]interface{})
			if dok && sok {
				mergeShallow(dst, src)
				continue
			}
		}
		p.Data[k] = v
	}
	if other.RootFile != "" {
		p.RootFile = other.RootFile
	}
	if other.OutputDir != "" {
		p.OutputDir = other.OutputDir
	}
}

// ApplyConfig applies user-supplied config overrides onto the context.
// Immutable keys and null values are stripped with a warning; unknown keys
// land in Params.
func (p *ProgramContext) ApplyConfig(cfg map[string]interface{}) {
	clean := StripImmutable(cfg)
	for k, v := range clean {
		switch k {
		case "queue":
			if s, ok := v.(string); ok {
				p.Queue = s
			}
		case "entrypoint":
			if s, ok := v.(string); ok {
				p.Entrypoint = s
			}
		case "root_file":
			if s, ok := v.(string); ok {
				p.RootFile = s
			}
		case "time_limit":
			if n, ok := asInt(v); ok {
				p.TimeLimit = n
			}
		case "raw":
			if b, ok := v.(bool); ok {
				p.Raw = b
			}
		case "compute_only":
			if b, ok := v.(bool); ok {
				p.ComputeOnly = b
			}
		default:
			p.Params[k] = v
		}
	}
}

// StripImmutable drops immutable keys and null values from a user config map
func StripImmutable(cfg map[string]interface{}) map[string]interface{} {
	clean := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		if v == nil {
			log.Logger.Warn().Str("key", k).Msg("dropping null config value")
			continue
		}
		clean[k] = v
	}
	for _, k := range immutableKeys {
		if _, ok := clean[k]; ok {
			log.Logger.Warn().Str("key", k).Msg("dropping immutable config key")
			delete(clean, k)
		}
	}
	return clean
}

func mergeShallow(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]interface{}); ok {
			cp[k] = deepCopyMap(sub)
			continue
		}
		cp[k] = v
	}
	return cp
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
