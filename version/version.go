// Package version holds the build information of the backfila binary, set at link time with -ldflags -X.
package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

// Package is the overall, canonical project import path under which the package was built.
var Package = "github.com/backfila/backfila"

// Version indicates which version of the binary is running. This is set to the latest release tag by hand, always
// suffixed by "+unknown". During build, it will be replaced by the actual version.
var Version = "v0.1.0+unknown"

// Revision is filled with the VCS (e.g. git) revision being used to build the program at linking time.
var Revision = ""

// BuildTime is filled with the build timestamp at linking time.
var BuildTime = ""

// FprintVersion outputs the version string to the writer, in the following format, followed by a newline:
//
//	<cmd> <project> <version>
//
// For example, a binary "backfila" built from github.com/backfila/backfila with version "v0.1.0" would print:
//
//	backfila github.com/backfila/backfila v0.1.0
func FprintVersion(w io.Writer) {
	fmt.Fprintln(w, os.Args[0], Package, Version, runtime.Version())
}

// PrintVersion outputs the version information, from Fprint, to stdout.
func PrintVersion() {
	FprintVersion(os.Stdout)
}
