package resource

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/arpanauts/strategyengine/engine"
)

// ContainerAdapter manages ContainerWorkload resources over the `docker`
// CLI (spec.md §4.3). Justified stdlib-only (os/exec): no container-runtime
// SDK (Docker/Moby/containerd/testcontainers) appears anywhere in the
// example pack.
type ContainerAdapter struct{}

func NewContainerAdapter() *ContainerAdapter {
	return &ContainerAdapter{}
}

func (a *ContainerAdapter) containerName(res engine.ManagedResource) string {
	if n, _ := res.Config["container_name"].(string); n != "" {
		return n
	}
	return res.Name
}

func (a *ContainerAdapter) Probe(ctx context.Context, res engine.ManagedResource) (engine.ResourceStatus, string, error) {
	name := a.containerName(res)
	cmd := exec.CommandContext(ctx, "docker", "inspect", "--format", "{{.State.Status}}|{{.State.Health.Status}}", name)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	if err := cmd.Run(); err != nil {
		return engine.ResourceUnavailable, strings.TrimSpace(errOut.String()), nil
	}

	fields := strings.SplitN(strings.TrimSpace(out.String()), "|", 2)
	state := fields[0]
	health := ""
	if len(fields) > 1 {
		health = fields[1]
	}

	if state != "running" {
		return engine.ResourceUnavailable, fmt.Sprintf("container state %q", state), nil
	}
	if _, hasHealthBlock := res.Config["health_check"]; hasHealthBlock {
		switch health {
		case "healthy", "":
			return engine.ResourceHealthy, "", nil
		default:
			return engine.ResourceDegraded, fmt.Sprintf("container health %q", health), nil
		}
	}
	return engine.ResourceHealthy, "", nil
}

func (a *ContainerAdapter) Start(ctx context.Context, res engine.ManagedResource) error {
	name := a.containerName(res)

	status, _, _ := a.Probe(ctx, res)
	if status == engine.ResourceHealthy {
		return nil
	}

	image, _ := res.Config["image"].(string)
	if image == "" {
		return fmt.Errorf("resource %q: config.image not set", res.Name)
	}

	args := []string{"run", "-d", "--name", name}
	if ports, ok := res.Config["ports"].([]string); ok {
		for _, p := range ports {
			args = append(args, "-p", p)
		}
	}
	if env, ok := res.Config["environment"].(map[string]string); ok {
		for k, v := range env {
			args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
		}
	}
	if volumes, ok := res.Config["volumes"].([]string); ok {
		for _, v := range volumes {
			args = append(args, "-v", v)
		}
	}
	args = append(args, image)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker run: %s: %w", strings.TrimSpace(errOut.String()), err)
	}
	return nil
}

func (a *ContainerAdapter) Stop(ctx context.Context, res engine.ManagedResource) error {
	name := a.containerName(res)
	cmd := exec.CommandContext(ctx, "docker", "stop", name)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker stop: %s: %w", strings.TrimSpace(errOut.String()), err)
	}
	return nil
}
