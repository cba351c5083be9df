package master

import (
	"errors"

	"telenode/pkg/plugin"
)

var errNoHost = errors.New("master plugin requires host access")

func init() {
	plugin.MustRegister(Manifest())
}

// Manifest describes the master unit
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Descriptor:   descriptor,
		Priority:     plugin.PriorityDefault,
		Order:        90,
		AutoActivate: true,
		Factory:      createPlugin,
	}
}

// createPlugin needs the lifecycle host, which only ROOT plugins receive
func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	if ctx.Host == nil {
		return nil, errNoHost
	}
	return New(ctx.Host, ctx.Auth, ctx.Clock, ctx.Logger), nil
}
