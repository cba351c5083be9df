package echo

import "telenode/pkg/plugin"

func init() {
	plugin.MustRegister(Manifest())
}

// Manifest describes the echo unit to the registry
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Descriptor:   descriptor,
		Priority:     plugin.PriorityDefault,
		Order:        50,
		AutoActivate: true,
		Factory:      createPlugin,
	}
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return New(ctx.Logger), nil
}
