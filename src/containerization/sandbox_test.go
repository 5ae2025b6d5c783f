package containerization

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"continuumreview/src/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsDefaults(t *testing.T) {
	t.Parallel()

	l := Limits{}.withDefaults()
	assert.Equal(t, Limits{Image: "python:3.9-slim", MemoryMB: 512, CPULimit: 0.5}, l)

	custom := Limits{Image: "golang:1.25", MemoryMB: 1024, CPULimit: 2}.withDefaults()
	assert.Equal(t, "golang:1.25", custom.Image)
	assert.EqualValues(t, 1024, custom.MemoryMB)
}

func TestHostConfig(t *testing.T) {
	t.Parallel()

	hc := hostConfig(Limits{MemoryMB: 256, CPULimit: 0.25}, "/srv/ws/ws-abc-1")
	assert.Equal(t, []string{"/srv/ws/ws-abc-1:/workspace"}, hc.Binds)
	assert.EqualValues(t, 256*1024*1024, hc.Resources.Memory)
	assert.EqualValues(t, 250_000_000, hc.Resources.NanoCPUs)
	assert.Contains(t, hc.ExtraHosts, "host.docker.internal:127.0.0.1")
}

func TestContainerConfigLabelsWorkspace(t *testing.T) {
	t.Parallel()

	cc := containerConfig(Limits{Image: "python:3.9-slim"}, "ws-abc")
	assert.Equal(t, "ws-abc", cc.Labels[managedLabel])
	assert.Equal(t, "/workspace", cc.WorkingDir)
	assert.Equal(t, []string{"sleep", "infinity"}, []string(cc.Cmd))
}

func TestNetworkingConfig(t *testing.T) {
	t.Parallel()

	assert.Nil(t, networkingConfig(""))
	nc := networkingConfig("net-1")
	require.NotNil(t, nc)
	assert.Equal(t, "net-1", nc.EndpointsConfig[sandboxNetworkName].NetworkID)
}

func TestContainerNameIsPerIncarnation(t *testing.T) {
	t.Parallel()

	a := containerName("/tmp/ws/ws-abc-111")
	b := containerName("/tmp/ws/ws-abc-222")
	assert.Equal(t, "continuum-ws-abc-111", a)
	assert.NotEqual(t, a, b)
}

func TestShellJoin(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `'golangci-lint' 'run' '--out-format=json'`, shellJoin([]string{"golangci-lint", "run", "--out-format=json"}))
	assert.Equal(t, `'echo' 'it'\''s'`, shellJoin([]string{"echo", "it's"}))
}

func TestSandboxedCommand(t *testing.T) {
	t.Parallel()

	cmd := sandboxedCommand([]string{"/opt/eval", "--json"})
	require.Len(t, cmd, 4)
	assert.Equal(t, "sh", cmd[0])
	assert.NotContains(t, cmd[2], "chown")
	assert.Contains(t, cmd[2], `su sandboxuser -s /bin/sh -c "$0"`)
	assert.Equal(t, `'/opt/eval' '--json'`, cmd[3])
}

func TestHandOverCommand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"chown", "-R", "sandboxuser:sandboxuser", "/workspace"}, handOverCommand())
}

func TestSandboxStagesOncePerTask(t *testing.T) {
	t.Parallel()

	box := &sandbox{containerID: "c-1"}
	var copies atomic.Int32
	copyIn := func() error {
		copies.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	// A five-member panel asks at the same time.
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, box.stage("t-1", copyIn))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, copies.Load())

	// The next task in the same workspace is staged afresh.
	require.NoError(t, box.stage("t-2", copyIn))
	assert.EqualValues(t, 2, copies.Load())
}

func TestSandboxStageRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	box := &sandbox{containerID: "c-1"}
	require.Error(t, box.stage("t-1", func() error { return errors.New("copy failed") }))

	calls := 0
	require.NoError(t, box.stage("t-1", func() error { calls++; return nil }))
	assert.Equal(t, 1, calls)
}

func TestTaskArchive(t *testing.T) {
	t.Parallel()

	task := model.ReviewTask{
		ID:        "t-1",
		ProjectID: "p-1",
		Files:     []string{"a.go", "b.go"},
		CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	buf, err := taskArchive(task)
	require.NoError(t, err)

	tr := tar.NewReader(buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "task.json", hdr.Name)

	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	var got model.ReviewTask
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Files, got.Files)

	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}
