package main

import (
	"github.com/idfleet/idfleet/cmd"
	"github.com/idfleet/idfleet/cmd/decom/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   cli.Name,
	Short: "Decommission client",
	Long:  `The decommission client for operators.`,
	Args:  cobra.ExactArgs(0),
}

func init() {
	cli.Init(rootCmd)
}

func main() {
	cmd.ErrCheck(rootCmd.Execute())
}
