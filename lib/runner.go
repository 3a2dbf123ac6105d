package lib

import (
	"fmt"
	"runtime"
)

// PrintVersion prints the app version, the build ref when one was linked
// in, and the Go runtime version to stdout.
func PrintVersion(appName string, version string, gitref string) {
	if gitref != "" {
		fmt.Printf("%s v%s git:%s %s\n", appName, version, gitref, runtime.Version())
		return
	}
	fmt.Printf("%s v%s %s\n", appName, version, runtime.Version())
}
