package help

import "telenode/pkg/plugin"

func init() {
	plugin.MustRegister(Manifest())
}

// Manifest describes the help unit to the registry
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Descriptor:   descriptor,
		Priority:     plugin.PriorityDefault,
		Order:        80,
		AutoActivate: true,
		Factory:      createPlugin,
	}
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Catalog == nil {
		return nil, errNoCatalog
	}
	return New(ctx.Catalog, ctx.Auth), nil
}
