// Package config handles loading and validating cowfork configuration.
package config

// Config is the top-level cowfork configuration.
type Config struct {
	Kernel  KernelConfig `toml:"kernel"`
	Fork    ForkConfig   `toml:"fork"`
	Init    InitConfig   `toml:"init"`
	Server  ServerConfig `toml:"server"`
	Include []string     `toml:"include"`
}

// KernelConfig holds settings for the simulated kernel and the daemon.
type KernelConfig struct {
	Frames          int    `toml:"frames"`
	MaxEnvs         int    `toml:"max_envs"`
	Backing         string `toml:"backing"`
	Logfile         string `toml:"logfile"`
	Pidfile         string `toml:"pidfile"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	ShutdownTimeout int    `toml:"shutdown_timeout"`
}

// ForkConfig holds fork library settings.
type ForkConfig struct {
	OnDupError string `toml:"on_dup_error"`
	// IdentityVA is where a forked child records its env id. Zero disables
	// the write.
	IdentityVA int64 `toml:"identity_va"`
}

// InitConfig describes the address space of the init environment.
type InitConfig struct {
	TextPages   int                   `toml:"text_pages"`
	RodataPages int                   `toml:"rodata_pages"`
	DataPages   int                   `toml:"data_pages"`
	SharedPages int                   `toml:"shared_pages"`
	Files       map[string]FileConfig `toml:"files"`
}

// FileConfig maps a host file into the init environment.
type FileConfig struct {
	Path   string `toml:"path"`
	VA     int64  `toml:"va"`
	Length int    `toml:"length"` // 0 means the whole file
	Offset int64  `toml:"offset"`
	Prot   string `toml:"prot"` // letters from "rws"
}

// ServerConfig holds server listener settings.
type ServerConfig struct {
	Unix UnixServerConfig `toml:"unix"`
	HTTP HTTPServerConfig `toml:"http"`
	Web  WebServerConfig  `toml:"web"`
}

// UnixServerConfig holds Unix domain socket settings.
type UnixServerConfig struct {
	File  string `toml:"file"`
	Chmod string `toml:"chmod"`
}

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Listen   string `toml:"listen"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// WebServerConfig holds dashboard settings. The dashboard is served by the
// API listeners.
type WebServerConfig struct {
	Enabled   bool   `toml:"enabled"`
	StaticDir string `toml:"static_dir"`
}
