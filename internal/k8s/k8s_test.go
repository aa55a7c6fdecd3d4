package k8s

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

func testJob() *types.TaskJob {
	return &types.TaskJob{
		RunID:       "4f1c2a9e-5b7d-4c1e-9a0b-123456789abc",
		DAGID:       "ml_pipeline",
		TaskID:      "train_model",
		Attempt:     2,
		LogicalDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Task: types.TaskSpec{
			ID:       "train_model",
			Operator: types.OperatorKubernetes,
			Timeout:  types.Duration(10 * time.Minute),
		},
	}
}

func TestJobName(t *testing.T) {
	name := JobName(testJob())
	if name != "ml-pipeline-train-model-4f1c2a9e-2" {
		t.Errorf("unexpected job name %q", name)
	}

	long := testJob()
	long.DAGID = strings.Repeat("very_long_dag_name", 5)
	name = JobName(long)
	if len(name) > 63 {
		t.Errorf("job name too long: %d", len(name))
	}
	if !strings.HasSuffix(name, "-4f1c2a9e-2") {
		t.Errorf("expected unique suffix to survive truncation, got %q", name)
	}
}

func TestJobBuilder_Build(t *testing.T) {
	b := NewJobBuilder(nil)
	spec := &types.KubernetesConfig{
		Image:   "ghcr.io/example/trainer:1.2",
		Command: []string{"python", "train.py"},
		Env: []types.EnvVar{
			{Name: "EPOCHS", Value: "3"},
			{Name: "TOKEN", ValueFrom: "secret:trainer:token"},
		},
		Resources: types.ResourceRequirements{
			Limits: types.ResourceList{CPU: "4", GPU: "1"},
		},
		Namespace: "ml",
	}

	job, err := b.Build(testJob(), spec)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if job.Namespace != "ml" {
		t.Errorf("expected namespace ml, got %s", job.Namespace)
	}
	if job.Labels[LabelAttempt] != "2" || job.Labels[LabelTaskID] != "train_model" {
		t.Errorf("unexpected labels: %v", job.Labels)
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("expected backoff limit 0, got %d", *job.Spec.BackoffLimit)
	}
	if job.Spec.ActiveDeadlineSeconds == nil || *job.Spec.ActiveDeadlineSeconds != 600 {
		t.Errorf("expected deadline from task timeout, got %v", job.Spec.ActiveDeadlineSeconds)
	}

	c := job.Spec.Template.Spec.Containers[0]
	if c.Image != spec.Image {
		t.Errorf("expected image %s, got %s", spec.Image, c.Image)
	}
	if got := c.Resources.Limits.Cpu().String(); got != "4" {
		t.Errorf("expected cpu limit 4, got %s", got)
	}
	if _, ok := c.Resources.Limits["nvidia.com/gpu"]; !ok {
		t.Error("expected gpu limit")
	}

	var secretRef *corev1.SecretKeySelector
	var tryNumber string
	for _, e := range c.Env {
		if e.Name == "TOKEN" && e.ValueFrom != nil {
			secretRef = e.ValueFrom.SecretKeyRef
		}
		if e.Name == "TRY_NUMBER" {
			tryNumber = e.Value
		}
	}
	if secretRef == nil || secretRef.Name != "trainer" || secretRef.Key != "token" {
		t.Errorf("expected secret ref trainer/token, got %+v", secretRef)
	}
	if tryNumber != "2" {
		t.Errorf("expected TRY_NUMBER 2, got %q", tryNumber)
	}
}

func TestJobBuilder_BuildErrors(t *testing.T) {
	b := NewJobBuilder(nil)
	if _, err := b.Build(testJob(), &types.KubernetesConfig{}); err == nil {
		t.Error("expected error for missing image")
	}
	bad := &types.KubernetesConfig{Image: "x", Env: []types.EnvVar{{Name: "A", ValueFrom: "configmap:x"}}}
	if _, err := b.Build(testJob(), bad); err == nil {
		t.Error("expected error for bad value_from")
	}
	badQty := &types.KubernetesConfig{Image: "x", Resources: types.ResourceRequirements{Limits: types.ResourceList{CPU: "lots"}}}
	if _, err := b.Build(testJob(), badQty); err == nil {
		t.Error("expected error for bad quantity")
	}
}

func TestGetJobStatus(t *testing.T) {
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   string
	}{
		{"pending", batchv1.JobStatus{}, PhasePending},
		{"running", batchv1.JobStatus{Active: 1}, PhaseRunning},
		{"succeeded", batchv1.JobStatus{Succeeded: 1}, PhaseSucceeded},
		{"failed condition", batchv1.JobStatus{Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Reason: "DeadlineExceeded"},
		}}, PhaseFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetJobStatus(&batchv1.Job{Status: tt.status})
			if got.Phase != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Phase)
			}
		})
	}
}

// syncBuffer guards a buffer written by the log goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunJob(t *testing.T) {
	cs := fake.NewSimpleClientset()
	client := NewClientFromInterface(cs, "ml")
	ctx := context.Background()

	job, err := NewJobBuilder(nil).Build(testJob(), &types.KubernetesConfig{Image: "busybox", Namespace: "ml"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	// Simulate the job controller: start a pod, then complete the job.
	go func() {
		for {
			if _, err := cs.BatchV1().Jobs("ml").Get(ctx, job.Name, metav1.GetOptions{}); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		cs.CoreV1().Pods("ml").Create(ctx, &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: job.Name + "-abc", Namespace: "ml", Labels: map[string]string{"job-name": job.Name}},
			Status:     corev1.PodStatus{Phase: corev1.PodSucceeded},
		}, metav1.CreateOptions{})
		done, _ := cs.BatchV1().Jobs("ml").Get(ctx, job.Name, metav1.GetOptions{})
		done.Status.Succeeded = 1
		cs.BatchV1().Jobs("ml").UpdateStatus(ctx, done, metav1.UpdateOptions{})
	}()

	out := &syncBuffer{}
	status, err := client.RunJob(ctx, job, out, &RunOptions{
		PollInterval:       5 * time.Millisecond,
		LogDrainTimeout:    time.Second,
		DeleteOnCompletion: true,
	})
	if err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if status.Phase != PhaseSucceeded {
		t.Errorf("expected succeeded, got %s", status.Phase)
	}
	// the fake clientset serves a fixed log body
	if !strings.Contains(out.String(), "fake logs") {
		t.Errorf("expected pod logs to be copied, got %q", out.String())
	}
	if _, err := cs.BatchV1().Jobs("ml").Get(ctx, job.Name, metav1.GetOptions{}); err == nil {
		t.Error("expected job to be deleted on completion")
	}
}

func TestRunJobCancelDeletesJob(t *testing.T) {
	cs := fake.NewSimpleClientset()
	client := NewClientFromInterface(cs, "ml")

	job, err := NewJobBuilder(nil).Build(testJob(), &types.KubernetesConfig{Image: "busybox", Namespace: "ml"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.RunJob(ctx, job, &syncBuffer{}, &RunOptions{PollInterval: 5 * time.Millisecond})
	if err == nil {
		t.Fatal("expected context error")
	}
	if _, err := cs.BatchV1().Jobs("ml").Get(context.Background(), job.Name, metav1.GetOptions{}); err == nil {
		t.Error("expected job to be deleted after cancellation")
	}
}
