// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package containerization backs review workspaces with sandboxed Docker
// containers and runs evaluator commands inside them.
package containerization

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"continuumreview/src/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	sandboxNetworkName = "continuum_sandbox"
	sandboxUser        = "sandboxuser"
	workspaceMount     = "/workspace"
	// managedLabel marks containers owned by a review worker.
	managedLabel = "continuum.review.workspace"
)

// Limits caps what one workspace container may use.
type Limits struct {
	Image    string
	MemoryMB int64
	CPULimit float64
}

func (l Limits) withDefaults() Limits {
	if l.Image == "" {
		l.Image = "python:3.9-slim"
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = 512
	}
	if l.CPULimit <= 0 {
		l.CPULimit = 0.5
	}
	return l
}

// EnsureSandboxNetwork creates or retrieves the sandbox network for container isolation.
// This network allows external internet access; internal hosts are blocked by ExtraHosts
// and the iptables rules applied in prepareSandbox.
func EnsureSandboxNetwork(ctx context.Context, cli *client.Client) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", fmt.Errorf("containerization: list networks: %w", err)
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	// Internal: true would block ALL external access, evaluators may need to fetch modules.
	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", fmt.Errorf("containerization: create network: %w", err)
	}

	return resp.ID, nil
}

func containerConfig(limits Limits, workspaceID string) *container.Config {
	return &container.Config{
		Image:      limits.Image,
		Cmd:        []string{"sleep", "infinity"}, // Keep it alive
		Tty:        false,
		WorkingDir: workspaceMount,
		Labels: map[string]string{
			managedLabel: workspaceID,
		},
	}
}

func hostConfig(limits Limits, hostPath string) *container.HostConfig {
	return &container.HostConfig{
		Binds: []string{hostPath + ":" + workspaceMount},
		Resources: container.Resources{
			Memory:   limits.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(limits.CPULimit * math.Pow10(9)),
		},
		CapAdd: []string{"NET_ADMIN"},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}
}

func networkingConfig(networkID string) *network.NetworkingConfig {
	if networkID == "" {
		return nil
	}
	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {
				NetworkID: networkID,
			},
		},
	}
}

var setupScript = `
	apt-get update -qq && apt-get install -qq -y iptables > /dev/null 2>&1
	iptables -A OUTPUT -d 10.0.0.0/8 -j DROP 2>/dev/null || true
	iptables -A OUTPUT -d 172.16.0.0/12 -j DROP 2>/dev/null || true
	iptables -A OUTPUT -d 192.168.0.0/16 -j DROP 2>/dev/null || true
	iptables -A OUTPUT -d 169.254.0.0/16 -j DROP 2>/dev/null || true
	useradd -m -s /bin/bash ` + sandboxUser + ` 2>/dev/null || true
`

// prepareSandbox firewalls private ranges and adds the unprivileged user
// evaluators run as.
func prepareSandbox(ctx context.Context, cli *client.Client, containerID string) error {
	res, err := runExec(ctx, cli, containerID, "root", []string{"sh", "-c", setupScript}, nil)
	if err != nil {
		return fmt.Errorf("containerization: setup exec: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("containerization: setup exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runExec runs cmd in the container and waits for it, or for ctx.
func runExec(ctx context.Context, cli *client.Client, containerID, user string, cmd, env []string) (execResult, error) {
	created, err := cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workspaceMount,
		Env:          env,
		Cmd:          cmd,
	})
	if err != nil {
		return execResult{}, fmt.Errorf("create exec: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return execResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		// Closing the hijacked connection unblocks StdCopy.
		resp.Close()
		<-done
		return execResult{}, ctx.Err()
	case err := <-done:
		if err != nil && err != io.EOF {
			return execResult{}, fmt.Errorf("read exec output: %w", err)
		}
	}

	inspect, err := cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return execResult{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("inspect exec: %w", err)
	}
	return execResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}

// shellJoin quotes argv for sh -c.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
