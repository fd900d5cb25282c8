// Package cmdutil holds the helpers shared by the ephemeral subcommands.
package cmdutil

import (
	"os"

	"github.com/Overclock-Validator/ephemeral/pkg/config"
	"github.com/spf13/cobra"
)

// ConfigFlag is the persistent flag naming the YAML config file.
const ConfigFlag = "config"

// LoadConfig loads the file named by --config. Callers apply their own
// flags before calling ApplyEnv.
func LoadConfig(c *cobra.Command) (config.Config, error) {
	path, err := c.Flags().GetString(ConfigFlag)
	if err != nil {
		path = ""
	}
	return config.Load(path)
}

// ApplyEnv overrides cfg from the process environment.
func ApplyEnv(cfg *config.Config) error {
	return cfg.ApplyEnv(os.LookupEnv)
}
