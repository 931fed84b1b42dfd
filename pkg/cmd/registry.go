// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/civion/civion/pkg/registry"
	"github.com/civion/civion/pkg/steps/agent"
	"github.com/civion/civion/pkg/steps/approval"
	"github.com/civion/civion/pkg/steps/httpcall"
	"github.com/civion/civion/pkg/steps/script"
)

func registerExecutorPlugins(reg *registry.Registry, pluginsPath string) {
	if err := reg.LoadExecutorPlugins(pluginsPath); err != nil {
		panic(err)
	}
}

func registerNativeExecutors(reg *registry.Registry, tickets approval.TicketCreator) {
	reg.RegisterExecutor(script.NewExecutorFactory())
	reg.RegisterExecutor(httpcall.NewExecutorFactory())
	reg.RegisterExecutor(agent.NewExecutorFactory())
	reg.RegisterExecutor(approval.NewExecutorFactory(tickets))
}

// NewRegistry builds the executor registry with the native step kinds plus
// any executor plugins found under pluginsPath.
func NewRegistry(logger *slog.Logger, pluginsPath string, tickets approval.TicketCreator) *registry.Registry {
	reg := registry.NewRegistry(logger)

	registerExecutorPlugins(reg, pluginsPath)
	registerNativeExecutors(reg, tickets)

	return reg
}
