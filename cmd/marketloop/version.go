package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketloop/marketloop/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the marketloop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("marketloop %s\n", version.Get())
	},
}
