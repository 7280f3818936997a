package testutil

import (
	"testing"

	"github.com/lepinkainen/shelfmatch/internal/config"
	"github.com/spf13/viper"
)

// ResetConfig clears viper and the config package globals, restoring them
// when the test completes.
func ResetConfig(t *testing.T) {
	t.Helper()

	overwrite := config.OverwriteFiles
	viper.Reset()

	t.Cleanup(func() {
		config.OverwriteFiles = overwrite
		viper.Reset()
	})
}

// SetTestConfig resets the configuration and installs defaults suitable for
// tests: an in-memory store, output under the sandbox and dummy credentials.
func SetTestConfig(t *testing.T, env *TestEnv) {
	t.Helper()

	ResetConfig(t)
	config.SetDefaults()

	viper.Set("store.backend", "memory")
	viper.Set("store.dbfile", env.Path("shelfmatch-test.db"))
	viper.Set("output.dir", env.Path("results"))
	viper.Set("OverwriteFiles", true)
	viper.Set("bookmooch.username", "test-user")
	viper.Set("bookmooch.password", "test-password")
	viper.Set("overdrive.token", "test-token")
	viper.Set("overdrive.library", "1047")
}

// SetViperValue sets a viper configuration value and schedules cleanup.
func SetViperValue(t *testing.T, key string, value any) {
	t.Helper()

	oldValue := viper.Get(key)
	hadValue := viper.IsSet(key)

	viper.Set(key, value)

	t.Cleanup(func() {
		// viper has no Unset, so a previously unset key keeps the test value
		if hadValue {
			viper.Set(key, oldValue)
		}
	})
}
