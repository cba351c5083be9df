package hello

import "telenode/pkg/plugin"

func init() {
	plugin.MustRegister(Manifest())
}

// Manifest describes the hello unit. It is installed inactive and has to be
// enabled explicitly.
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Descriptor:   descriptor,
		Priority:     plugin.PriorityDefault,
		Order:        60,
		AutoActivate: false,
		Factory:      createPlugin,
	}
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return &Plugin{logger: ctx.Logger}, nil
}
