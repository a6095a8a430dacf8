package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/dlforge/dlforge/internal/config"
	"github.com/dlforge/dlforge/internal/orchestrator"
	"github.com/dlforge/dlforge/internal/registry"
	"github.com/dlforge/dlforge/internal/resume"
	"github.com/dlforge/dlforge/internal/session"
	"github.com/dlforge/dlforge/internal/telemetry"
	"github.com/dlforge/dlforge/internal/toolfacade"
)

var (
	facadeOnce sync.Once
	facade     *toolfacade.Facade
)

// buildFacade wires one process-wide Facade from on-disk settings and the
// registry database at config.GetRegistryPath(), the same lazy
// once-initialized global the teacher uses for its TUI model.
func buildFacade() *toolfacade.Facade {
	facadeOnce.Do(func() {
		settings, err := config.LoadSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading settings: %v\n", err)
			os.Exit(1)
		}

		reg, err := registry.Open(config.GetRegistryPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening registry: %v\n", err)
			os.Exit(1)
		}

		resumeStore := resume.New(config.GetResumeDir())
		sessions := session.NewManager()
		bus := telemetry.NewBus()
		runtime := settings.ToRuntimeConfig()

		orch := orchestrator.New(reg, resumeStore, sessions, runtime, bus)
		facade = toolfacade.New(orch, sessions)
	})
	return facade
}
