package feature

import "os"

// Feature defines an application feature toggled by a specific environment variable.
type Feature struct {
	// EnvVariable defines the name of the corresponding environment variable.
	EnvVariable    string
	defaultEnabled bool
}

// Enabled reads the environment variable responsible for the feature flag. If FF is disabled by default, the
// environment variable needs to be `true` to explicitly enable it. If FF is enabled by default, variable needs to be
// `false` to explicitly disable it.
func (f Feature) Enabled() bool {
	env := os.Getenv(f.EnvVariable)

	if f.defaultEnabled {
		return env != "false"
	}

	return env == "true"
}

// ServiceCache caches registered services in Redis, by name, for the operator operations that look services up. It only
// has an effect when Redis is enabled.
var ServiceCache = Feature{
	EnvVariable: "BACKFILA_FF_SERVICE_CACHE",
}

// ProgressGauge periodically publishes the completion percentage of running backfills. Only the instance holding the
// Redis lock collects it.
var ProgressGauge = Feature{
	defaultEnabled: true,
	EnvVariable:    "BACKFILA_FF_PROGRESS_GAUGE",
}

// StopAllOnShutdown pauses every running backfill when the process is asked to stop, instead of letting other
// instances pick the released leases up.
var StopAllOnShutdown = Feature{
	EnvVariable: "BACKFILA_FF_STOP_ALL_ON_SHUTDOWN",
}

var all = []Feature{
	ServiceCache,
	ProgressGauge,
	StopAllOnShutdown,
}

// KnownEnvVar evaluates whether the input string matches the name of one of the known feature flag env vars.
func KnownEnvVar(name string) bool {
	for _, f := range all {
		if f.EnvVariable == name {
			return true
		}
	}

	return false
}
