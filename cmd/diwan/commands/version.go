package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// VersionCmd prints version information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("diwan %s (built %s, %s/%s, %s)\n",
			Version, BuildDate, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
