package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverd/river/pkg/transport"
	"github.com/riverd/river/pkg/types"
)

func TestMapExitCodeZeroIsCompleted(t *testing.T) {
	status, msg := mapExitCode(0)
	require.Equal(t, types.StatusCompleted, status)
	require.Empty(t, msg)
}

func TestMapExitCode137IsKilledOOM(t *testing.T) {
	status, msg := mapExitCode(137)
	require.Equal(t, types.StatusKilledOOM, status)
	require.NotEmpty(t, msg)
}

func TestMapExitCodeOtherNonZeroIsFailed(t *testing.T) {
	status, msg := mapExitCode(1)
	require.Equal(t, types.StatusFailed, status)
	require.Contains(t, msg, "1")
}

func TestIsExternalReferenceDetectsRegistryStyleNames(t *testing.T) {
	require.True(t, isExternalReference("docker.io/library/alpine:3.19"))
	require.True(t, isExternalReference("registry.internal/team/image"))
	require.False(t, isExternalReference("pytorch-cuda12"))
}

func TestTaskFromExecuteRequestMapsFields(t *testing.T) {
	req := transport.ExecuteRequest{
		TaskID:     5,
		Kind:       types.TaskKindCommand,
		Command:    "echo",
		Args:       types.StringList{"hi"},
		Env:        types.EnvMap{"A": "b"},
		Image:      "alpine",
		Privileged: true,
		ReservedIP: "10.1.2.3",
	}

	task := taskFromExecuteRequest(req)
	require.Equal(t, int64(5), task.ID)
	require.Equal(t, "echo", task.Command)
	require.Equal(t, "alpine", task.Image)
	require.True(t, task.Privileged)
	require.Equal(t, "10.1.2.3", task.ReservedIP.String())
}

func TestTaskFromExecuteRequestLeavesNilIPWhenUnset(t *testing.T) {
	task := taskFromExecuteRequest(transport.ExecuteRequest{TaskID: 1})
	require.Nil(t, task.ReservedIP)
}

func TestParseTaskIDFormDecodesBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]int64{"task_id": 99}))
	req := httptest.NewRequest(http.MethodPost, "/kill", &buf)

	id, err := parseTaskIDForm(req)
	require.NoError(t, err)
	require.Equal(t, int64(99), id)
}

func TestInFlightStoreRoundTrip(t *testing.T) {
	store, err := openInFlightStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(inFlightEntry{TaskID: 1, ContainerName: "river-task-1"}))
	require.NoError(t, store.Put(inFlightEntry{TaskID: 2, ContainerName: "river-task-2"}))

	has, err := store.Has(1)
	require.NoError(t, err)
	require.True(t, has)

	entries, err := store.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, store.Delete(1))
	has, err = store.Has(1)
	require.NoError(t, err)
	require.False(t, has)
}

func TestWriteErrorProducesJSONErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusConflict, fmt.Errorf("task %d already running", 7))

	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["error"], "7")
}
