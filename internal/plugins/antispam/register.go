package antispam

import "telenode/pkg/plugin"

func init() {
	plugin.MustRegister(Manifest())
}

// Manifest describes the antispam unit. It loads first so its proxy runs at
// the head of the chain.
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Descriptor:   descriptor,
		Priority:     plugin.PriorityDefault,
		Order:        10,
		AutoActivate: true,
		Factory:      createPlugin,
	}
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Config == nil {
		return nil, errNoConfig
	}
	return New(ctx.Config, ctx.Clock, ctx.Logger), nil
}
