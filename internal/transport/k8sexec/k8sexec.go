// Package k8sexec implements the transport.ClientInterface backend for
// targets whose containers run as Kubernetes pods: it execs the
// distctl-agent helper inside the pod via client-go's exec subresource,
// the same client construction style the teacher uses to talk to its
// management cluster (k8s.io/client-go kubernetes.Clientset + rest.Config).
package k8sexec

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/distctl/distctl/internal/manifest"
	"github.com/distctl/distctl/internal/transport"
)

// Backend execs into pods through a single Kubernetes REST config. A
// target's Address is expected in "namespace/pod/container" form.
type Backend struct {
	clientset *kubernetes.Clientset
	restCfg   *rest.Config
	agentPath string
}

// New builds a Backend from a kubeconfig-derived rest.Config.
func New(restCfg *rest.Config, agentPath string) (*Backend, error) {
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes clientset: %w", err)
	}
	if agentPath == "" {
		agentPath = "distctl-agent"
	}
	return &Backend{clientset: cs, restCfg: restCfg, agentPath: agentPath}, nil
}

func splitAddress(address string) (namespace, pod, container string, err error) {
	parts := strings.Split(address, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("k8sexec address %q must be namespace/pod/container", address)
	}
	return parts[0], parts[1], parts[2], nil
}

// Run execs distctl-agent <op> <args...> inside the target's pod container.
func (b *Backend) Run(ctx context.Context, target *manifest.Target, op string, args []string) (*transport.Handle, error) {
	namespace, pod, container, err := splitAddress(target.Address)
	if err != nil {
		return nil, err
	}

	command := append([]string{b.agentPath, op}, args...)

	run := transport.NewHandleFunc(op, target.Name, func(ctx context.Context) ([]byte, []byte, error) {
		req := b.clientset.CoreV1().RESTClient().Post().
			Resource("pods").
			Name(pod).
			Namespace(namespace).
			SubResource("exec").
			VersionedParams(&corev1.PodExecOptions{
				Container: container,
				Command:   command,
				Stdin:     false,
				Stdout:    true,
				Stderr:    true,
			}, scheme.ParameterCodec)

		executor, err := remotecommand.NewSPDYExecutor(b.restCfg, "POST", req.URL())
		if err != nil {
			return nil, nil, fmt.Errorf("build exec stream for %s: %w", target.Name, err)
		}

		var stdout, stderr bytes.Buffer
		err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdout: &stdout,
			Stderr: &stderr,
		})
		if err != nil {
			return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s on %s: %w (stderr: %s)", op, target.Name, err, stderr.String())
		}
		return stdout.Bytes(), stderr.Bytes(), nil
	})

	return run(ctx), nil
}
