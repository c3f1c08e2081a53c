// Hifadhi — plugin-driven backup engine for cloud storage services.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hifadhi",
	Short: "Hifadhi — sandboxed plugin execution engine for cloud storage backups.",
	Long: `Hifadhi runs untrusted Lua plugins inside an embedded sandbox to enumerate,
describe, and fetch files from arbitrary cloud storage services. Each plugin
speaks to the outside world only through a narrow host function bridge, and
every execution is supervised, metered, and recorded.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
