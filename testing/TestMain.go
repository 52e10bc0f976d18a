// Package testing is blank-imported by database-backed test packages so the
// process environment matches what the binaries expect under test.
package testing

import (
	"os"
	stdtesting "testing"
)

var testEnv = map[string]string{
	"GATEKEEPER_TEST_MODE": "1",
	"CSRF_SECRET":          "test-csrf-secret",
	"JWT_SECRET":           "test-jwt-secret",
}

func init() {
	for k, v := range testEnv {
		if _, ok := os.LookupEnv(k); !ok {
			_ = os.Setenv(k, v)
		}
	}
}

func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
