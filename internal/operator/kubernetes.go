package operator

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/k8s"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/metrics"
	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// Kubernetes runs the task as a Job and streams the pod log into the task log.
type Kubernetes struct {
	cfg     types.KubernetesConfig
	client  *k8s.Client
	builder *k8s.JobBuilder
	opts    k8s.RunOptions
}

// RegisterKubernetes enables the kubernetes operator.
func (r *Registry) RegisterKubernetes(client *k8s.Client, builder *k8s.JobBuilder, opts k8s.RunOptions) {
	r.Register(types.OperatorKubernetes, func(spec *types.TaskSpec) (Operator, error) {
		if spec.Kubernetes == nil || spec.Kubernetes.Image == "" {
			return nil, fmt.Errorf("%w: kubernetes.image", ErrMissingConfig)
		}
		return &Kubernetes{cfg: *spec.Kubernetes, client: client, builder: builder, opts: opts}, nil
	})
}

func (k *Kubernetes) Execute(ctx context.Context, tc *TaskContext) (interface{}, error) {
	job, err := k.builder.Build(tc.Job, &k.cfg)
	if err != nil {
		return nil, err
	}

	opts := k.opts
	opts.Logger = tc.Logger
	opts.DeleteOnCompletion = opts.DeleteOnCompletion || k.cfg.DeleteOnCompletion

	fmt.Fprintf(tc.Log, "creating job %s/%s\n", job.Namespace, job.Name)
	status, err := k.client.RunJob(ctx, job, tc.Log, &opts)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.K8sJobsTotal.WithLabelValues(status.Phase).Inc()

	if status.Phase == k8s.PhaseFailed {
		if status.Reason != "" {
			return nil, fmt.Errorf("job %s failed: %s %s", job.Name, status.Reason, status.Message)
		}
		return nil, fmt.Errorf("job %s failed", job.Name)
	}
	return nil, nil
}
