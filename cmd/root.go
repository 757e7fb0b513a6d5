/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	flagDistro     string
	flagBuild      string
	flagIP         string
	flagStep       bool
	flagAccessible bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "boxforge",
	Short: "Build layered Vagrant boxes and bring up clusters from them",
	Long: `boxforge builds role images in dependency order and provisions clusters from them.

The pkgs image of a build is made from the distribution's stock box, and every
other role image of the same build (controller, compute) is made from that pkgs
image. A cluster is brought up from the role images following a testbed file.

  boxforge base --build 1234
  boxforge role compute --build 1234
  boxforge cluster --build 1234 --testbed testbed.py`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDistro, "distro", "", "Distribution to build for (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagBuild, "build", "", "Build number of the packages bundle")
	rootCmd.PersistentFlags().StringVar(&flagIP, "ip", "", "Private network address of the build guest (default from config)")
	rootCmd.PersistentFlags().BoolVar(&flagStep, "step", false, "Ask for confirmation at every checkpoint")
	rootCmd.PersistentFlags().BoolVar(&flagAccessible, "accessible", false, "Use plain prompts at checkpoints (screen readers)")
}
