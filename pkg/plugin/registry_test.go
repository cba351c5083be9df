package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifest(id string, order int) Manifest {
	return Manifest{
		Descriptor: Descriptor{ID: id, Name: id, Description: "test unit", Visibility: VisibilityUser},
		Order:      order,
		Factory:    func(ctx *Context) (Plugin, error) { return newMockPlugin(id), nil },
	}
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		manifest    Manifest
		wantErr     bool
		errContains string
	}{
		{
			name:     "valid registration",
			manifest: manifest("test-plugin", 0),
			wantErr:  false,
		},
		{
			name: "empty id",
			manifest: Manifest{
				Factory: func(ctx *Context) (Plugin, error) { return nil, nil },
			},
			wantErr:     true,
			errContains: "id cannot be empty",
		},
		{
			name: "nil factory",
			manifest: Manifest{
				Descriptor: Descriptor{ID: "test-plugin"},
			},
			wantErr:     true,
			errContains: "factory cannot be nil",
		},
		{
			name: "invalid descriptor accepted until load",
			manifest: Manifest{
				Descriptor: Descriptor{ID: "broken"},
				Factory:    func(ctx *Context) (Plugin, error) { return nil, nil },
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.manifest)

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_PriorityOverride(t *testing.T) {
	registry := NewRegistry()

	builtin := manifest("echo", 0)
	builtin.Descriptor.Description = "Built-in echo"
	require.NoError(t, registry.Register(builtin))

	m := registry.Get("echo")
	require.NotNil(t, m)
	assert.Equal(t, PriorityDefault, m.Priority)

	custom := manifest("echo", 0)
	custom.Descriptor.Description = "Custom echo"
	custom.Priority = PriorityOverride
	custom.Factory = func(ctx *Context) (Plugin, error) {
		p := newMockPlugin("echo")
		p.desc.Version = "override"
		return p, nil
	}
	require.NoError(t, registry.Register(custom))

	m = registry.Get("echo")
	require.NotNil(t, m)
	assert.Equal(t, PriorityOverride, m.Priority)
	assert.Equal(t, "Custom echo", m.Descriptor.Description)

	p, err := m.Factory(nil)
	require.NoError(t, err)
	assert.Equal(t, "override", p.Descriptor().Version)
	assert.Len(t, registry.Names(), 1)
}

func TestRegistry_LowerPrioritySkipped(t *testing.T) {
	registry := NewRegistry()

	high := manifest("echo", 0)
	high.Priority = PriorityOverride
	high.Descriptor.Description = "High priority"
	require.NoError(t, registry.Register(high))

	low := manifest("echo", 0)
	low.Descriptor.Description = "Low priority"
	require.NoError(t, registry.Register(low)) // No error, just skipped

	m := registry.Get("echo")
	require.NotNil(t, m)
	assert.Equal(t, "High priority", m.Descriptor.Description)
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry()

	registry.Register(manifest("master", 90))
	registry.Register(manifest("antispam", 10))
	registry.Register(manifest("hello", 50))
	registry.Register(manifest("echo", 50))

	// List should be ordered by Order, then by id
	list := registry.List()
	require.Len(t, list, 4)

	assert.Equal(t, "antispam", list[0].ID()) // Order 10
	assert.Equal(t, "echo", list[1].ID())     // Order 50, "e" < "h"
	assert.Equal(t, "hello", list[2].ID())    // Order 50, "h"
	assert.Equal(t, "master", list[3].ID())   // Order 90
}

func TestRegistry_Get_NotFound(t *testing.T) {
	registry := NewRegistry()
	assert.Nil(t, registry.Get("nonexistent"))
	assert.False(t, registry.Has("nonexistent"))
}

func TestRegistry_NamesAndUnregister(t *testing.T) {
	registry := NewRegistry()

	registry.Register(manifest("alpha", 0))
	registry.Register(manifest("beta", 0))
	assert.Equal(t, []string{"alpha", "beta"}, registry.Names())

	assert.True(t, registry.Unregister("alpha"))
	assert.False(t, registry.Unregister("alpha"))
	assert.Equal(t, []string{"beta"}, registry.Names())
	assert.True(t, registry.Has("beta"))
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()
	registry.Register(manifest("test", 0))
	assert.Len(t, registry.Names(), 1)

	registry.Clear()

	assert.Len(t, registry.Names(), 0)
	assert.Nil(t, registry.Get("test"))
}

func TestRegistry_DefaultOrder(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(manifest("test", 0)))

	m := registry.Get("test")
	require.NotNil(t, m)
	assert.Equal(t, DefaultOrder, m.Order)
}

func TestGlobalRegistry(t *testing.T) {
	ClearGlobal()
	defer ClearGlobal()

	MustRegister(manifest("global-test", 0))

	m := Get("global-test")
	require.NotNil(t, m)
	assert.Equal(t, "test unit", m.Descriptor.Description)
	assert.Len(t, List(), 1)
	assert.Contains(t, Names(), "global-test")
	assert.Same(t, Default(), globalRegistry)

	assert.Panics(t, func() { MustRegister(Manifest{}) })
}
