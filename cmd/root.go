package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// .env values override the process environment. Load before any
	// command touches viper so provider keys are visible to it.
	_ = godotenv.Overload(".env")

	// SilenceUsage keeps a failed run to a single diagnostic line instead
	// of appending the usage text.
	var root = &cobra.Command{Use: "taskplanner", SilenceUsage: true}

	root.AddCommand(researchCMD(), serveCMD(), migrateCMD(), tokenCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
