package registry

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stevedore-project/stevedore/configuration"
	"github.com/stevedore-project/stevedore/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'stevedore' binary.
var RootCmd = &cobra.Command{
	Use:   "stevedore",
	Short: "`stevedore`",
	Long:  "`stevedore`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// resolveConfiguration loads configuration from the path in args or the
// STEVEDORE_CONFIGURATION_PATH environment variable.
func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("STEVEDORE_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("STEVEDORE_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}

	return config, nil
}
