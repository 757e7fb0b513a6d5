/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"
)

// roleCmd represents the role command
var roleCmd = &cobra.Command{
	Use:   "role <role>",
	Short: "Build a role image from the pkgs image of the same build",
	Long: `Build a role image (controller, compute or any role with a configured
recipe) from <distro>_<build>_pkgs. The pkgs image must have been built first.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"controller", "compute"},
	Run: func(cmd *cobra.Command, args []string) {
		buildRoleImage(args[0])
	},
}

func init() {
	rootCmd.AddCommand(roleCmd)
}
