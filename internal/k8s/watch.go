package k8s

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RunOptions controls RunJob.
type RunOptions struct {
	// PollInterval between job status checks
	PollInterval time.Duration

	// LogDrainTimeout bounds how long to wait for the log stream after the
	// job finished
	LogDrainTimeout time.Duration

	// DeleteOnCompletion removes the job once it finished
	DeleteOnCompletion bool

	Logger *slog.Logger
}

func (o *RunOptions) withDefaults() *RunOptions {
	out := RunOptions{}
	if o != nil {
		out = *o
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.LogDrainTimeout <= 0 {
		out.LogDrainTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// RunJob creates job, copies its pod logs to out and blocks until the job
// finishes. When ctx ends first the job is deleted and ctx.Err() returned.
func (c *Client) RunJob(ctx context.Context, job *batchv1.Job, out io.Writer, opts *RunOptions) (*JobStatus, error) {
	opts = opts.withDefaults()

	created, err := c.jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	namespace, name := created.Namespace, created.Name
	logger := opts.Logger.With(slog.String("job", name), slog.String("namespace", namespace))

	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := c.streamLogs(logCtx, namespace, name, out, opts.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("job log stream ended with error", slog.Any("error", err))
		}
	}()

	status, err := c.waitForJob(ctx, namespace, name, opts.PollInterval)
	if err != nil {
		// Cancelled or timed out: tear the job down with a fresh context
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if derr := c.deleteJob(cleanupCtx, namespace, name); derr != nil {
			logger.Warn("failed to delete job", slog.Any("error", derr))
		}
		stopLogs()
		<-logsDone
		return nil, err
	}

	select {
	case <-logsDone:
	case <-time.After(opts.LogDrainTimeout):
		stopLogs()
		<-logsDone
	}

	if opts.DeleteOnCompletion {
		if err := c.deleteJob(context.Background(), namespace, name); err != nil {
			logger.Warn("failed to delete finished job", slog.Any("error", err))
		}
	}
	return status, nil
}

// waitForJob polls the job until it reaches a final phase.
func (c *Client) waitForJob(ctx context.Context, namespace, name string, interval time.Duration) (*JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.jobs(namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			if status := GetJobStatus(job); status.Done() {
				return status, nil
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// streamLogs waits for the job's pod and follows its container log.
func (c *Client) streamLogs(ctx context.Context, namespace, jobName string, out io.Writer, interval time.Duration) error {
	pod, err := c.waitForPod(ctx, namespace, jobName, interval)
	if err != nil {
		return err
	}

	req := c.clientset.CoreV1().Pods(c.ns(namespace)).GetLogs(pod, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(out, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// waitForPod waits until the job's pod has a started or finished container.
func (c *Client) waitForPod(ctx context.Context, namespace, jobName string, interval time.Duration) (string, error) {
	selector := fmt.Sprintf("job-name=%s", jobName)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pods, err := c.clientset.CoreV1().Pods(c.ns(namespace)).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err == nil {
			for i := range pods.Items {
				if podStarted(&pods.Items[i]) {
					return pods.Items[i].Name, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func podStarted(pod *corev1.Pod) bool {
	switch pod.Status.Phase {
	case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
		return true
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == containerName && (cs.State.Running != nil || cs.State.Terminated != nil) {
			return true
		}
	}
	return false
}
