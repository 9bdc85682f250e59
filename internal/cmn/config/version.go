package config

var (
	// Version is the jobmon release, set at build time via ldflags. Clients
	// stamp it on every workflow run; the reaper only sweeps runs created by
	// its own version.
	Version = "dev"
)
