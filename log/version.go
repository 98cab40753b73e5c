package log

import "runtime"

func goVersion() string {
	return runtime.Version()
}
