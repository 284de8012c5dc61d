// Package guard flips the process into test mode before any configuration is
// loaded. Import it for side effects from test helpers.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode is read by app.LoadConfig to default to the in-memory store.
const EnvTestMode = "JOBCORE_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
	})
}
