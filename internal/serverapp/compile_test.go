package serverapp

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hierplan/internal/config"
	"hierplan/internal/plan"
)

func TestRunCompile_WritesOutputFile(t *testing.T) {
	cfg := catalogConfig(t)
	out := filepath.Join(t.TempDir(), "plan.json")
	cfg.Compile = config.CompileConfig{
		Destination: 100,
		LoadType:    "incremental",
		Output:      out,
	}
	app := newCatalogApp(t, cfg)
	assert.Nil(t, app.Handler(), "compile mode builds no HTTP handler")

	var stdout bytes.Buffer
	require.NoError(t, app.RunCompile(context.Background(), &stdout))
	assert.Zero(t, stdout.Len())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var job plan.JobData
	require.NoError(t, json.Unmarshal(data, &job))
	require.Len(t, job.DataSources, 2)
	require.Len(t, job.DataSources[0].IncrementalColumns, 1)
	assert.Equal(t, "2024-03-01T12:30:00Z", job.DataSources[0].IncrementalColumns[0].Value)
}

func TestRunCompile_Stdout(t *testing.T) {
	cfg := catalogConfig(t)
	cfg.Compile = config.CompileConfig{Destination: 100, Binding: 1}
	app := newCatalogApp(t, cfg)

	var stdout bytes.Buffer
	require.NoError(t, app.RunCompile(context.Background(), &stdout))

	var job plan.JobData
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &job))
	assert.Equal(t, plan.RootPath, job.DataSources[0].Path)
	assert.Empty(t, job.DataSources[0].IncrementalColumns)
}

func TestRunCompile_Errors(t *testing.T) {
	t.Run("not initialized", func(t *testing.T) {
		app, err := New(catalogConfig(t), testLogger())
		require.NoError(t, err)
		assert.Error(t, app.RunCompile(context.Background(), &bytes.Buffer{}))
	})

	t.Run("unknown destination", func(t *testing.T) {
		cfg := catalogConfig(t)
		cfg.Compile = config.CompileConfig{Destination: 999}
		app := newCatalogApp(t, cfg)
		err := app.RunCompile(context.Background(), &bytes.Buffer{})
		require.Error(t, err)
		assert.Equal(t, 404, statusForError(err))
	})
}

func TestCompileQuery(t *testing.T) {
	q, err := compileQuery(config.CompileConfig{
		Destination:      100,
		Binding:          1,
		BindingExecution: 42,
		LoadType:         "INCREMENTAL",
		IncrementalStart: "2024-05-06T07:08:09Z",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.DestinationID)
	assert.Equal(t, int64(1), q.BindingID)
	assert.Equal(t, int64(42), q.Execution.BindingExecutionID)
	require.NotNil(t, q.Execution.IncrementalStart)
	assert.Equal(t, 2024, q.Execution.IncrementalStart.Year())

	_, err = compileQuery(config.CompileConfig{Destination: 1, LoadType: "weekly"})
	assert.Error(t, err)
	_, err = compileQuery(config.CompileConfig{Destination: 1, IncrementalStart: "soon"})
	assert.Error(t, err)
}
