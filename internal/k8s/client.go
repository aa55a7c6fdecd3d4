// Package k8s runs tasks as Kubernetes Jobs.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchclient "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const defaultNamespace = "mentatlab"

// Client creates and follows task Jobs in a default namespace.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// Config selects the cluster and namespace task Jobs run in.
type Config struct {
	// InCluster uses the pod's service account
	InCluster bool

	// Kubeconfig path; empty falls back to $KUBECONFIG, then ~/.kube/config
	Kubeconfig string

	Namespace string
}

func (cfg *Config) restConfig() (*rest.Config, error) {
	if cfg.InCluster {
		rc, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
		return rc, nil
	}
	path := cfg.Kubeconfig
	if path == "" {
		path = os.Getenv("KUBECONFIG")
	}
	if path == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			path = filepath.Join(home, ".kube", "config")
		}
	}
	rc, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("kubeconfig %s: %w", path, err)
	}
	return rc, nil
}

// NewClient connects to the cluster cfg selects.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	rc, err := cfg.restConfig()
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewClientFromInterface(clientset, cfg.Namespace), nil
}

// NewClientFromInterface wraps an existing clientset, e.g. a fake one in tests.
func NewClientFromInterface(clientset kubernetes.Interface, namespace string) *Client {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &Client{clientset: clientset, namespace: namespace}
}

func (c *Client) ns(namespace string) string {
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func (c *Client) jobs(namespace string) batchclient.JobInterface {
	return c.clientset.BatchV1().Jobs(c.ns(namespace))
}

// deleteJob removes a Job and lets the garbage collector reap its pods.
func (c *Client) deleteJob(ctx context.Context, namespace, name string) error {
	propagation := metav1.DeletePropagationBackground
	return c.jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
}
