package config

import "fmt"

// ProfilingConfig contains Pyroscope profiling configuration
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" env:"PYROSCOPE_ENABLED" env-default:"false"`
	ApplicationName   string            `yaml:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"iot-sensors"`
	ServerAddress     string            `yaml:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags"`

	// Profile types, e.g. [cpu, alloc_space, inuse_space, goroutines, mutex, block]
	ProfileTypes []string `yaml:"profileTypes" env:"PYROSCOPE_PROFILE_TYPES" env-separator:"," env-default:"cpu,alloc_objects,alloc_space,inuse_objects,inuse_space"`

	MutexProfileRate int  `yaml:"mutexProfileRate" env:"PYROSCOPE_MUTEX_PROFILE_RATE" env-default:"5"`
	BlockProfileRate int  `yaml:"blockProfileRate" env:"PYROSCOPE_BLOCK_PROFILE_RATE" env-default:"5"`
	DisableGCRuns    bool `yaml:"disableGCRuns" env:"PYROSCOPE_DISABLE_GC_RUNS" env-default:"false"`
}

// KnownProfileTypes lists the accepted ProfileTypes entries
var KnownProfileTypes = []string{
	"cpu", "alloc_objects", "alloc_space", "inuse_objects", "inuse_space", "goroutines", "mutex", "block",
}

// Validate checks the profiler settings when profiling is enabled
func (c *ProfilingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}
	if c.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}
	if len(c.ProfileTypes) == 0 {
		return fmt.Errorf("at least one profile type must be enabled")
	}

	known := make(map[string]bool, len(KnownProfileTypes))
	for _, name := range KnownProfileTypes {
		known[name] = true
	}
	for _, name := range c.ProfileTypes {
		if !known[name] {
			return fmt.Errorf("unknown profile type %q", name)
		}
	}

	if c.MutexProfileRate < 0 || c.BlockProfileRate < 0 {
		return fmt.Errorf("profiling mutex and block rates must be >= 0")
	}
	return nil
}
