package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ops-tools/stackmedic/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidRegistry(t *testing.T) {
	units := []UnitDefinition{
		{Name: "postgres", StartupRank: 10},
		{Name: "api", Dependencies: []string{"postgres"}, StartupRank: 20},
		{Name: "webui", Dependencies: []string{"api"}, StartupRank: 30},
	}

	registry, err := Load(units)
	require.NoError(t, err)
	assert.Equal(t, 3, registry.Len())

	unit, ok := registry.Lookup("api")
	require.True(t, ok)
	assert.Equal(t, []string{"postgres"}, unit.Dependencies)

	_, ok = registry.Lookup("missing")
	assert.False(t, ok)
}

func TestLoad_Defaults(t *testing.T) {
	registry, err := Load([]UnitDefinition{{Name: "redis"}})
	require.NoError(t, err)

	unit, ok := registry.Lookup("redis")
	require.True(t, ok)
	assert.Equal(t, "redis", unit.Container)
	assert.Equal(t, ProbeTypeContainer, unit.Probe.Type)
	assert.Equal(t, 5*time.Second, unit.Probe.Timeout)
}

func TestLoad_DuplicateName(t *testing.T) {
	units := []UnitDefinition{
		{Name: "postgres"},
		{Name: "postgres"},
	}

	_, err := Load(units)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Contains(t, err.Error(), "duplicate unit name")
}

func TestLoad_UnknownDependency(t *testing.T) {
	units := []UnitDefinition{
		{Name: "api", Dependencies: []string{"postgres"}},
	}

	_, err := Load(units)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
	assert.Contains(t, err.Error(), "unknown unit 'postgres'")
}

func TestLoad_SelfDependency(t *testing.T) {
	_, err := Load([]UnitDefinition{{Name: "api", Dependencies: []string{"api"}}})
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestLoad_CycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		units []UnitDefinition
	}{
		{
			name: "two node cycle",
			units: []UnitDefinition{
				{Name: "a", Dependencies: []string{"b"}},
				{Name: "b", Dependencies: []string{"a"}},
			},
		},
		{
			name: "three node cycle",
			units: []UnitDefinition{
				{Name: "a", Dependencies: []string{"b"}},
				{Name: "b", Dependencies: []string{"c"}},
				{Name: "c", Dependencies: []string{"a"}},
			},
		},
		{
			name: "cycle behind a healthy chain",
			units: []UnitDefinition{
				{Name: "entry", Dependencies: []string{"a"}},
				{Name: "a", Dependencies: []string{"b"}},
				{Name: "b", Dependencies: []string{"a"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.units)
			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err))
			assert.Contains(t, err.Error(), "cycle")
		})
	}
}

func TestLoad_InvalidNames(t *testing.T) {
	tests := []struct {
		name     string
		unitName string
	}{
		{name: "empty", unitName: ""},
		{name: "spaces", unitName: "my unit"},
		{name: "slash", unitName: "db/primary"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]UnitDefinition{{Name: tt.unitName}})
			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err))
		})
	}
}

func TestNames_RankOrdering(t *testing.T) {
	units := []UnitDefinition{
		{Name: "webui", StartupRank: 30},
		{Name: "api", StartupRank: 20},
		{Name: "postgres", StartupRank: 10},
		{Name: "redis", StartupRank: 10},
	}

	registry, err := Load(units)
	require.NoError(t, err)

	// Rank first, name breaks ties
	assert.Equal(t, []string{"postgres", "redis", "api", "webui"}, registry.Names())
}

func TestLoadFromFile(t *testing.T) {
	content := `
units:
  - name: postgres
    startup_rank: 10
    probe:
      type: tcp
      tcp:
        address: localhost
        port: 5432
      timeout: 3s
  - name: api
    container: stack-api
    startup_rank: 20
    dependencies: [postgres]
    probe:
      type: http
      http:
        url: http://localhost:8080/healthz
`
	path := filepath.Join(t.TempDir(), "units.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	registry, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, registry.Len())

	postgres, ok := registry.Lookup("postgres")
	require.True(t, ok)
	assert.Equal(t, ProbeTypeTCP, postgres.Probe.Type)
	assert.Equal(t, 5432, postgres.Probe.TCP.Port)
	assert.Equal(t, 3*time.Second, postgres.Probe.Timeout)

	api, ok := registry.Lookup("api")
	require.True(t, ok)
	assert.Equal(t, "stack-api", api.Container)
	assert.Equal(t, "GET", api.Probe.HTTP.Method)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestLoadFromFile_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units.yaml")
	require.NoError(t, os.WriteFile(path, []byte("units: [not: closed"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}
