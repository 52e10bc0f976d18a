package app

import (
	"os"
	"strconv"
	"sync"
)

// testModeEnv disables listeners and background workers when truthy.
const testModeEnv = "GATEKEEPER_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	return err == nil && on
})

// InTestMode reports whether the binaries should exit before serving.
// The environment is read on first call only.
func InTestMode() bool {
	return testMode()
}
