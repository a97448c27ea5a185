package config

import "github.com/kahiteam/cowfork/internal/uapi"

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	// Kernel defaults.
	if cfg.Kernel.Frames == 0 {
		cfg.Kernel.Frames = 1024
	}
	if cfg.Kernel.MaxEnvs == 0 {
		cfg.Kernel.MaxEnvs = uapi.NENV
	}
	if cfg.Kernel.Backing == "" {
		cfg.Kernel.Backing = "heap"
	}
	if cfg.Kernel.LogLevel == "" {
		cfg.Kernel.LogLevel = "info"
	}
	if cfg.Kernel.LogFormat == "" {
		cfg.Kernel.LogFormat = "json"
	}
	if cfg.Kernel.ShutdownTimeout == 0 {
		cfg.Kernel.ShutdownTimeout = 10
	}

	// Fork defaults.
	if cfg.Fork.OnDupError == "" {
		cfg.Fork.OnDupError = "continue"
	}

	// An empty [init] gets the default image.
	in := &cfg.Init
	if in.TextPages == 0 && in.RodataPages == 0 && in.DataPages == 0 && in.SharedPages == 0 {
		in.TextPages = 2
		in.RodataPages = 1
		in.DataPages = 2
		in.SharedPages = 1
	}
	for name, f := range in.Files {
		if f.Prot == "" {
			f.Prot = "r"
		}
		in.Files[name] = f
	}

	// Server defaults.
	if cfg.Server.Unix.File == "" {
		cfg.Server.Unix.File = "/tmp/cowfork.sock"
	}
	if cfg.Server.Unix.Chmod == "" {
		cfg.Server.Unix.Chmod = "0700"
	}
	if cfg.Server.HTTP.Listen == "" {
		cfg.Server.HTTP.Listen = "127.0.0.1:9877"
	}
}
