package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-datasync/sai"
	"github.com/saiset-co/sai-datasync/types"
)

const testConfig = `
name: field-app
version: 1.0.0
logger:
  type: nop
  level: info
store:
  type: memory
  schema_version: 1
services:
  tasks:
    base_url: http://127.0.0.1:1/api
    warming:
      patterns: ["tasks:list"]
      interval: 1h
      priority: 5
  notes:
    cache:
      default:
        ttl: 1m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestService_StartAndStop(t *testing.T) {
	svc, err := NewService(context.Background(), writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"notes", "tasks"}, svc.Container().Services())

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()

	require.Eventually(t, svc.IsRunning, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.Container().IsRunning())

	component, err := svc.Container().Service("tasks")
	require.NoError(t, err)
	tasks, ok := component.(*sai.Service[interface{}, types.Record])
	require.True(t, ok)
	assert.NotNil(t, tasks.Batch, "services with a base url batch their writes")

	component, err = svc.Container().Service("notes")
	require.NoError(t, err)
	assert.Nil(t, component.(*sai.Service[interface{}, types.Record]).Batch)

	require.NoError(t, svc.Stop())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.False(t, svc.IsRunning())
	assert.False(t, svc.Container().IsRunning())
	assert.ErrorIs(t, svc.Stop(), types.ErrNotRunning)
}

func TestService_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := NewService(ctx, writeConfig(t, testConfig))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start() }()
	require.Eventually(t, svc.IsRunning, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not observe cancellation")
	}
	require.NoError(t, <-errCh)
}

func TestNewService_BadConfig(t *testing.T) {
	_, err := NewService(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, err = NewService(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = NewService(context.Background(), writeConfig(t, "name: x\nstore:\n  type: nosql\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestKeyPath(t *testing.T) {
	assert.Equal(t, "/tasks/today", KeyPath("tasks:today", ":"))
	assert.Equal(t, "/tasks/list", KeyPath("tasks/list", "/"))
	assert.Equal(t, "/users/42/tasks", KeyPath("users:42:tasks", ""))
}

func TestRecordID(t *testing.T) {
	assert.Equal(t, "abc", RecordID(types.Record{"id": "abc"}))
	assert.Equal(t, "42", RecordID(types.Record{"id": float64(42)}))
	assert.Equal(t, "", RecordID(types.Record{"title": "no id"}))
	assert.Equal(t, "7", RecordID(types.Record{"id": 7}))
}
