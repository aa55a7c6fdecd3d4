package k8s

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Labels set on every task job and its pods.
const (
	LabelDAGID   = "mentatlab.io/dag-id"
	LabelRunID   = "mentatlab.io/run-id"
	LabelTaskID  = "mentatlab.io/task-id"
	LabelAttempt = "mentatlab.io/attempt"

	containerName = "task"
	taskUID       = 1000
)

// JobConfig holds defaults applied to every task job.
type JobConfig struct {
	Namespace          string
	ServiceAccountName string
	ImagePullSecrets   []string

	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// TTLSecondsAfterFinished for cleanup
	TTLSecondsAfterFinished *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)

	return &JobConfig{
		Namespace:               "mentatlab",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		TTLSecondsAfterFinished: &ttl,
	}
}

// JobBuilder creates Kubernetes Jobs for task attempts.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName returns the deterministic name of a task attempt's job.
func JobName(job *types.TaskJob) string {
	runID := job.RunID
	if len(runID) > 8 {
		runID = runID[:8]
	}
	name := sanitizeK8sName(fmt.Sprintf("%s-%s-%s-%d", job.DAGID, job.TaskID, runID, job.Attempt))
	// keep the unique suffix when the dag or task id is long
	if len(name) > 63 {
		suffix := fmt.Sprintf("-%s-%d", sanitizeK8sName(runID), job.Attempt)
		name = strings.TrimRight(name[:63-len(suffix)], "-") + suffix
	}
	return name
}

// Build creates the Job for one attempt of a kubernetes task. The Job never
// retries on its own; retries belong to the task's retry policy.
func (b *JobBuilder) Build(job *types.TaskJob, spec *types.KubernetesConfig) (*batchv1.Job, error) {
	if spec == nil || spec.Image == "" {
		return nil, fmt.Errorf("task %s has no image specified", job.TaskID)
	}

	env, err := taskEnv(job, spec.Env)
	if err != nil {
		return nil, err
	}
	resources, err := b.buildResources(spec.Resources)
	if err != nil {
		return nil, err
	}
	pullPolicy := corev1.PullIfNotPresent
	if spec.ImagePullPolicy != "" {
		pullPolicy = corev1.PullPolicy(spec.ImagePullPolicy)
	}

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{{
			Name:            containerName,
			Image:           spec.Image,
			Command:         spec.Command,
			Args:            spec.Args,
			Env:             env,
			Resources:       resources,
			ImagePullPolicy: pullPolicy,
			SecurityContext: restrictedContainer(),
		}},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: firstNonEmpty(spec.ServiceAccount, b.config.ServiceAccountName),
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: boolPtr(true),
			RunAsUser:    int64Ptr(taskUID),
			FSGroup:      int64Ptr(taskUID),
		},
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}

	labels := jobLabels(job, spec.Labels)
	out := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(job),
			Namespace: firstNonEmpty(spec.Namespace, b.config.Namespace),
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
			BackoffLimit:            int32Ptr(0),
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
		},
	}

	deadline := spec.ActiveDeadline.Std()
	if deadline <= 0 {
		deadline = job.Task.Timeout.Std()
	}
	if deadline > 0 {
		out.Spec.ActiveDeadlineSeconds = int64Ptr(int64(deadline.Seconds()))
	}
	if ttl := spec.TTLAfterFinished.Std(); ttl > 0 {
		out.Spec.TTLSecondsAfterFinished = int32Ptr(int32(ttl.Seconds()))
	}
	return out, nil
}

// jobLabels identifies the attempt; user labels cannot override them.
func jobLabels(job *types.TaskJob, extra map[string]string) map[string]string {
	labels := map[string]string{
		"app.kubernetes.io/name":       "dagrunner-task",
		"app.kubernetes.io/component":  "task",
		"app.kubernetes.io/managed-by": "dagrunner",
		LabelDAGID:                     sanitizeK8sLabel(job.DAGID),
		LabelRunID:                     sanitizeK8sLabel(job.RunID),
		LabelTaskID:                    sanitizeK8sLabel(job.TaskID),
		LabelAttempt:                   strconv.Itoa(job.Attempt),
	}
	for k, v := range extra {
		if _, reserved := labels[k]; !reserved {
			labels[k] = sanitizeK8sLabel(v)
		}
	}
	return labels
}

// taskEnv exposes the attempt's identity to the container ahead of the
// task's own variables.
func taskEnv(job *types.TaskJob, vars []types.EnvVar) ([]corev1.EnvVar, error) {
	env := []corev1.EnvVar{
		{Name: "DAG_ID", Value: job.DAGID},
		{Name: "RUN_ID", Value: job.RunID},
		{Name: "TASK_ID", Value: job.TaskID},
		{Name: "LOGICAL_DATE", Value: job.LogicalDate.UTC().Format(time.RFC3339)},
		{Name: "TRY_NUMBER", Value: strconv.Itoa(job.Attempt)},
	}
	for _, v := range vars {
		ev, err := buildEnvVar(v)
		if err != nil {
			return nil, err
		}
		env = append(env, ev)
	}
	return env, nil
}

func restrictedContainer() *corev1.SecurityContext {
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: boolPtr(false),
		RunAsNonRoot:             boolPtr(true),
		RunAsUser:                int64Ptr(taskUID),
		Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func buildEnvVar(e types.EnvVar) (corev1.EnvVar, error) {
	if e.ValueFrom == "" {
		return corev1.EnvVar{Name: e.Name, Value: e.Value}, nil
	}
	parts := strings.SplitN(e.ValueFrom, ":", 3)
	if len(parts) != 3 || parts[0] != "secret" {
		return corev1.EnvVar{}, fmt.Errorf("env %s: value_from must be secret:<name>:<key>", e.Name)
	}
	return corev1.EnvVar{
		Name: e.Name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: parts[1]},
				Key:                  parts[2],
			},
		},
	}, nil
}

func (b *JobBuilder) buildResources(req types.ResourceRequirements) (corev1.ResourceRequirements, error) {
	limits, err := resourceList(req.Limits, b.config.DefaultCPULimit, b.config.DefaultMemoryLimit)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("limits: %w", err)
	}
	requests, err := resourceList(req.Requests, b.config.DefaultCPURequest, b.config.DefaultMemRequest)
	if err != nil {
		return corev1.ResourceRequirements{}, fmt.Errorf("requests: %w", err)
	}
	if req.Limits.GPU != "" {
		q, err := resource.ParseQuantity(req.Limits.GPU)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("gpu: %w", err)
		}
		limits["nvidia.com/gpu"] = q
	}
	return corev1.ResourceRequirements{Limits: limits, Requests: requests}, nil
}

func resourceList(r types.ResourceList, defCPU, defMem string) (corev1.ResourceList, error) {
	cpu, mem := r.CPU, r.Memory
	if cpu == "" {
		cpu = defCPU
	}
	if mem == "" {
		mem = defMem
	}
	out := corev1.ResourceList{}
	if cpu != "" {
		q, err := resource.ParseQuantity(cpu)
		if err != nil {
			return nil, fmt.Errorf("cpu %q: %w", cpu, err)
		}
		out[corev1.ResourceCPU] = q
	}
	if mem != "" {
		q, err := resource.ParseQuantity(mem)
		if err != nil {
			return nil, fmt.Errorf("memory %q: %w", mem, err)
		}
		out[corev1.ResourceMemory] = q
	}
	return out, nil
}

// Job phases reported by JobStatus.
const (
	PhasePending   = "pending"
	PhaseRunning   = "running"
	PhaseSucceeded = "succeeded"
	PhaseFailed    = "failed"
)

// JobStatus summarizes a Job's progress.
type JobStatus struct {
	Phase     string
	Reason    string
	Message   string
	StartTime *metav1.Time
	EndTime   *metav1.Time
	Succeeded int32
	Failed    int32
	Active    int32
}

// Done reports whether the job reached a final phase.
func (s *JobStatus) Done() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// GetJobStatus extracts status from a Job object.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{
		Phase:     PhasePending,
		StartTime: job.Status.StartTime,
		EndTime:   job.Status.CompletionTime,
		Succeeded: job.Status.Succeeded,
		Failed:    job.Status.Failed,
		Active:    job.Status.Active,
	}

	switch {
	case job.Status.Succeeded > 0:
		status.Phase = PhaseSucceeded
	case job.Status.Failed > 0:
		status.Phase = PhaseFailed
	case job.Status.Active > 0:
		status.Phase = PhaseRunning
	}

	// Conditions are authoritative when present
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = PhaseSucceeded
		case batchv1.JobFailed:
			status.Phase = PhaseFailed
			status.Reason = cond.Reason
			status.Message = cond.Message
		}
	}

	return status
}

// sanitizeK8sName lowercases name into a DNS label, mapping _ and . to -.
func sanitizeK8sName(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r == '_', r == '.':
			return '-'
		}
		return -1
	}, strings.ToLower(name))
	return strings.Trim(out, "-")
}

// sanitizeK8sLabel drops characters not allowed in label values and caps the
// length at 63.
func sanitizeK8sLabel(value string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return -1
	}, value)
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.Trim(out, "-_.")
}

func boolPtr(b bool) *bool    { return &b }
func int32Ptr(i int32) *int32 { return &i }
func int64Ptr(i int64) *int64 { return &i }
