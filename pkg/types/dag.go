package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operator kinds understood by the built-in operator registry.
const (
	OperatorEmpty      = "empty"
	OperatorBash       = "bash"
	OperatorFunc       = "func"
	OperatorEmail      = "email"
	OperatorCondition  = "condition"
	OperatorKubernetes = "kubernetes"
)

// TriggerRule decides when a task becomes ready given its upstream states.
type TriggerRule string

const (
	TriggerAllSuccess TriggerRule = "all_success"
	TriggerAllFailed  TriggerRule = "all_failed"
	TriggerAllDone    TriggerRule = "all_done"
	TriggerOneSuccess TriggerRule = "one_success"
	TriggerOneFailed  TriggerRule = "one_failed"
	TriggerNoneFailed TriggerRule = "none_failed"
)

// Valid reports whether r is a known trigger rule. The empty rule is valid
// and means all_success.
func (r TriggerRule) Valid() bool {
	switch r {
	case "", TriggerAllSuccess, TriggerAllFailed, TriggerAllDone,
		TriggerOneSuccess, TriggerOneFailed, TriggerNoneFailed:
		return true
	}
	return false
}

// OrDefault returns all_success for the empty rule.
func (r TriggerRule) OrDefault() TriggerRule {
	if r == "" {
		return TriggerAllSuccess
	}
	return r
}

// Duration is a time.Duration that encodes as a Go duration string ("30s").
// Plain numbers are accepted on decode and read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// RetryPolicy bounds how often a failed task is re-attempted.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first one.
	MaxAttempts int      `json:"max_attempts"`
	Backoff     Duration `json:"backoff,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty"`
	MaxBackoff  Duration `json:"max_backoff,omitempty"`
}

// Retry defaults applied to unset RetryPolicy fields.
const (
	DefaultRetryBackoff    = 10 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultRetryMaxBackoff = 10 * time.Minute
)

// WithDefaults returns a copy with unset fields filled in. A nil policy means
// a single attempt.
func (p *RetryPolicy) WithDefaults() RetryPolicy {
	out := RetryPolicy{MaxAttempts: 1}
	if p != nil {
		out = *p
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.Backoff <= 0 {
		out.Backoff = Duration(DefaultRetryBackoff)
	}
	if out.Multiplier < 1 {
		out.Multiplier = DefaultRetryMultiplier
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = Duration(DefaultRetryMaxBackoff)
	}
	return out
}

// DAG is a named, versioned graph of tasks with a schedule.
type DAG struct {
	ID            string       `json:"id"`
	Description   string       `json:"description,omitempty"`
	Schedule      string       `json:"schedule,omitempty"`
	StartDate     *time.Time   `json:"start_date,omitempty"`
	EndDate       *time.Time   `json:"end_date,omitempty"`
	Catchup       bool         `json:"catchup,omitempty"`
	MaxActiveRuns int          `json:"max_active_runs,omitempty"`
	DefaultRetry  *RetryPolicy `json:"default_retry,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	Tasks         []TaskSpec   `json:"tasks"`
	Edges         []EdgeSpec   `json:"edges,omitempty"`

	// Registry-owned fields.
	Version      int       `json:"version,omitempty"`
	Hash         string    `json:"hash,omitempty"`
	Paused       bool      `json:"paused,omitempty"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// EdgeSpec declares that To runs downstream of From.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Task returns the task with the given id.
func (d *DAG) Task(id string) (*TaskSpec, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// TaskIDs returns task ids in declaration order.
func (d *DAG) TaskIDs() []string {
	ids := make([]string, len(d.Tasks))
	for i := range d.Tasks {
		ids[i] = d.Tasks[i].ID
	}
	return ids
}

// RetryFor returns the effective retry policy of a task: its own policy,
// else the DAG default.
func (d *DAG) RetryFor(t *TaskSpec) RetryPolicy {
	if t != nil && t.Retry != nil {
		return t.Retry.WithDefaults()
	}
	return d.DefaultRetry.WithDefaults()
}

// ActiveRunLimit returns MaxActiveRuns, defaulting to 1.
func (d *DAG) ActiveRunLimit() int {
	if d.MaxActiveRuns <= 0 {
		return 1
	}
	return d.MaxActiveRuns
}

// Clone returns a deep copy.
func (d *DAG) Clone() *DAG {
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("clone dag %s: %v", d.ID, err))
	}
	out := &DAG{}
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("clone dag %s: %v", d.ID, err))
	}
	return out
}

// TaskSpec describes one task node. Exactly one operator config matching
// Operator is expected to be set.
type TaskSpec struct {
	ID          string       `json:"id"`
	Operator    string       `json:"operator"`
	Upstream    []string     `json:"upstream,omitempty"`
	TriggerRule TriggerRule  `json:"trigger_rule,omitempty"`
	Retry       *RetryPolicy `json:"retry,omitempty"`
	Timeout     Duration     `json:"timeout,omitempty"`

	Bash       *BashConfig       `json:"bash,omitempty"`
	Func       *FuncConfig       `json:"func,omitempty"`
	Email      *EmailConfig      `json:"email,omitempty"`
	Condition  *ConditionConfig  `json:"condition,omitempty"`
	Kubernetes *KubernetesConfig `json:"kubernetes,omitempty"`
}

// BashConfig runs a templated shell command.
type BashConfig struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	// SkipXComPush disables pushing the last stdout line as the task output.
	SkipXComPush bool `json:"skip_xcom_push,omitempty"`
}

// FuncConfig calls a Go function registered under Name.
type FuncConfig struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// EmailConfig sends a templated email.
type EmailConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body,omitempty"`
}

// ConditionConfig short-circuits downstream tasks when Expression is false.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// KubernetesConfig runs the task as a Kubernetes Job.
type KubernetesConfig struct {
	Image              string               `json:"image"`
	Command            []string             `json:"command,omitempty"`
	Args               []string             `json:"args,omitempty"`
	Env                []EnvVar             `json:"env,omitempty"`
	Namespace          string               `json:"namespace,omitempty"`
	ServiceAccount     string               `json:"service_account,omitempty"`
	Resources          ResourceRequirements `json:"resources,omitempty"`
	Labels             map[string]string    `json:"labels,omitempty"`
	ActiveDeadline     Duration             `json:"active_deadline,omitempty"`
	ImagePullPolicy    string               `json:"image_pull_policy,omitempty"`
	TTLAfterFinished   Duration             `json:"ttl_after_finished,omitempty"`
	DeleteOnCompletion bool                 `json:"delete_on_completion,omitempty"`
}

// EnvVar represents an environment variable.
type EnvVar struct {
	Name      string `json:"name"`
	Value     string `json:"value,omitempty"`
	ValueFrom string `json:"value_from,omitempty"` // secret:name:key
}

// ResourceRequirements specifies compute resource requirements.
type ResourceRequirements struct {
	Requests ResourceList `json:"requests,omitempty"`
	Limits   ResourceList `json:"limits,omitempty"`
}

// ResourceList maps resource names to quantities.
type ResourceList struct {
	CPU    string `json:"cpu,omitempty"`    // e.g., "100m", "1"
	Memory string `json:"memory,omitempty"` // e.g., "128Mi", "1Gi"
	GPU    string `json:"gpu,omitempty"`
}
