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

package containerization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"continuumreview/src/evaluation"
	"continuumreview/src/logging"
	"continuumreview/src/model"
	"continuumreview/src/workspace"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const removeTimeout = 30 * time.Second

// DockerStorage gives every workspace a host directory plus a sandbox
// container with that directory mounted at /workspace. It implements
// workspace.Storage; the pool decides when containers live and die.
type DockerStorage struct {
	cli       *client.Client
	dirs      *workspace.DirStorage
	networkID string
	limits    Limits

	mu         sync.Mutex
	containers map[string]*sandbox // host path -> sandbox
}

// sandbox is one workspace container. staged names the task whose
// task.json is in place, so a panel shares one copy.
type sandbox struct {
	containerID string

	mu     sync.Mutex
	staged string
}

// stage runs copyIn unless taskID is already staged. Concurrent callers for
// the same task wait for the first one and then share its result.
func (b *sandbox) stage(taskID string, copyIn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staged == taskID {
		return nil
	}
	if err := copyIn(); err != nil {
		return err
	}
	b.staged = taskID
	return nil
}

func NewDockerStorage(cli *client.Client, dirs *workspace.DirStorage, networkID string, limits Limits) *DockerStorage {
	return &DockerStorage{
		cli:        cli,
		dirs:       dirs,
		networkID:  networkID,
		limits:     limits.withDefaults(),
		containers: make(map[string]*sandbox),
	}
}

func (s *DockerStorage) Create(ctx context.Context, id string) (string, error) {
	path, err := s.dirs.Create(ctx, id)
	if err != nil {
		return "", err
	}

	containerID, err := s.startContainer(ctx, id, path)
	if err != nil {
		if derr := s.dirs.Destroy(context.WithoutCancel(ctx), path); derr != nil {
			err = errors.Join(err, derr)
		}
		return "", err
	}

	s.mu.Lock()
	s.containers[path] = &sandbox{containerID: containerID}
	s.mu.Unlock()

	logging.Log(fmt.Sprintf("Workspace container created: %s", shortID(containerID)), slog.LevelInfo,
		"workspace", id, "path", path)
	return path, nil
}

func (s *DockerStorage) startContainer(ctx context.Context, id, path string) (string, error) {
	resp, err := s.cli.ContainerCreate(ctx,
		containerConfig(s.limits, id),
		hostConfig(s.limits, path),
		networkingConfig(s.networkID),
		nil, containerName(path))
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create container: %v", err), slog.LevelError)
		return "", fmt.Errorf("containerization: create container: %w", err)
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.forceRemove(resp.ID)
		logging.Log(fmt.Sprintf("failed to start container: %v", err), slog.LevelError)
		return "", fmt.Errorf("containerization: start container: %w", err)
	}

	if err := prepareSandbox(ctx, s.cli, resp.ID); err != nil {
		s.forceRemove(resp.ID)
		logging.Log(err.Error(), slog.LevelError)
		return "", err
	}
	return resp.ID, nil
}

// Destroy removes the container first, then the directory. A container that
// is already gone is not an error.
func (s *DockerStorage) Destroy(ctx context.Context, path string) error {
	s.mu.Lock()
	box, ok := s.containers[path]
	delete(s.containers, path)
	s.mu.Unlock()

	var errs []error
	if ok {
		err := s.cli.ContainerRemove(ctx, box.containerID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("containerization: remove container %s: %w", shortID(box.containerID), err))
		}
	}
	if err := s.dirs.Destroy(ctx, path); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ContainerFor returns the container that serves the workspace at path.
func (s *DockerStorage) ContainerFor(path string) (string, bool) {
	box, ok := s.sandboxFor(path)
	if !ok {
		return "", false
	}
	return box.containerID, true
}

func (s *DockerStorage) sandboxFor(path string) (*sandbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	box, ok := s.containers[path]
	return box, ok
}

// Stage puts task.json into the workspace container and hands /workspace to
// the sandbox user. It does the work once per task, however many panel
// members ask for it, and returns the container ID.
func (s *DockerStorage) Stage(ctx context.Context, path string, task model.ReviewTask) (string, error) {
	box, ok := s.sandboxFor(path)
	if !ok {
		return "", fmt.Errorf("no container for workspace %s", path)
	}
	err := box.stage(task.ID, func() error {
		archive, err := taskArchive(task)
		if err != nil {
			return err
		}
		if err := s.cli.CopyToContainer(ctx, box.containerID, workspaceMount, archive, container.CopyToContainerOptions{}); err != nil {
			return fmt.Errorf("copy task to container: %w", err)
		}
		res, err := runExec(ctx, s.cli, box.containerID, "root", handOverCommand(), nil)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("hand over workspace: exit %d: %s", res.ExitCode, evaluation.FirstLine(res.Stderr))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return box.containerID, nil
}

// Prune removes labelled workspace containers this storage does not track,
// such as those left behind by a worker that crashed. Call it before the
// pool hands out workspaces.
func (s *DockerStorage) Prune(ctx context.Context) (int, error) {
	list, err := s.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("containerization: list containers: %w", err)
	}

	s.mu.Lock()
	live := make(map[string]bool, len(s.containers))
	for _, box := range s.containers {
		live[box.containerID] = true
	}
	s.mu.Unlock()

	removed := 0
	var errs []error
	for _, c := range list {
		if live[c.ID] {
			continue
		}
		err := s.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", shortID(c.ID), err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Log(fmt.Sprintf("Pruned %d stale workspace containers", removed), slog.LevelInfo)
	}
	return removed, errors.Join(errs...)
}

func (s *DockerStorage) forceRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		logging.Log(fmt.Sprintf("failed to remove container %s: %v", shortID(containerID), err), slog.LevelWarn)
	}
}

// containerName derives a Docker-safe name from the unique workspace
// directory, so two incarnations of one workspace never collide.
func containerName(path string) string {
	return "continuum-" + filepath.Base(path)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
