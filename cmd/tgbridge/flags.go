package main

import (
	"github.com/spf13/cobra"

	"github.com/NicolasHaas/tgbridge/pkg/server"
)

// configFlags holds flag values next to the config they override. Flags
// start at the built-in defaults; only flags set on the command line
// replace what the environment provided.
type configFlags struct {
	envFile string
	values  server.Config
	apply   map[string]func(dst *server.Config)
}

func newConfigFlags() *configFlags {
	return &configFlags{values: server.DefaultConfig(), apply: make(map[string]func(*server.Config))}
}

// flagVar registers one config field as a flag through a pflag XxxVar
// method.
func flagVar[T any](f *configFlags, register func(p *T, name string, value T, usage string), name string, field func(*server.Config) *T, usage string) {
	p := field(&f.values)
	register(p, name, *p, usage)
	f.apply[name] = func(dst *server.Config) { *field(dst) = *p }
}

// load reads the env file and the environment, then applies the flags set
// on cmd's command line.
func (f *configFlags) load(cmd *cobra.Command) (server.Config, error) {
	cfg, err := server.LoadConfig(f.envFile)
	if err != nil {
		return server.Config{}, err
	}
	for name, apply := range f.apply {
		if cmd.Flags().Changed(name) {
			apply(&cfg)
		}
	}
	return cfg, nil
}
