package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcore/apcore/registry"
)

func TestInMemory_RegisterFuncAndLookup(t *testing.T) {
	r := registry.NewInMemory()
	r.RegisterFunc(registry.Descriptor{Name: "forecast", Namespace: "weather"}, func(inputs map[string]any, ctx any) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	m, ok := r.Lookup("weather__forecast")
	require.True(t, ok)
	out, err := m.Execute(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestInMemory_LookupMissing(t *testing.T) {
	r := registry.NewInMemory()
	_, ok := r.Lookup("nope")
	assert.False(t, ok)
}

func TestInMemory_LoadFromYAML_FlatDescriptor(t *testing.T) {
	r := registry.NewInMemory()
	yamlDoc := []byte(`
name: forecast
namespace: weather
description: returns a forecast
input_schema:
  type: object
`)
	err := r.LoadFromYAML(yamlDoc, func(inputs map[string]any, ctx any) (any, error) { return nil, nil })
	require.NoError(t, err)

	_, ok := r.Lookup("weather__forecast")
	assert.True(t, ok)
}

func TestInMemory_LoadFromYAML_K8sManifest(t *testing.T) {
	r := registry.NewInMemory()
	yamlDoc := []byte(`
apiVersion: apcore/v1
kind: Module
metadata:
  name: forecast
spec:
  namespace: weather
  description: returns a forecast
`)
	err := r.LoadFromYAML(yamlDoc, func(inputs map[string]any, ctx any) (any, error) { return nil, nil })
	require.NoError(t, err)

	_, ok := r.Lookup("weather__forecast")
	assert.True(t, ok)
}

func TestParseAndQualifyModuleID(t *testing.T) {
	ns, local := registry.ParseModuleID("weather__forecast")
	assert.Equal(t, "weather", ns)
	assert.Equal(t, "forecast", local)

	ns, local = registry.ParseModuleID("forecast")
	assert.Equal(t, "", ns)
	assert.Equal(t, "forecast", local)

	assert.Equal(t, "weather__forecast", registry.QualifyModuleID("weather", "forecast"))
	assert.Equal(t, "forecast", registry.QualifyModuleID("", "forecast"))
}

func TestAnnotationsFromMap_KeepsVendorExtensions(t *testing.T) {
	a := registry.AnnotationsFromMap(map[string]any{
		"requiresApproval": true,
		"x-sensitive":      true,
	})

	assert.True(t, a.RequiresApproval)
	assert.Equal(t, true, a.Extra["x-sensitive"])
}
