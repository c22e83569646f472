package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatkit",
	Short: "Tradora messaging CLI",
	Long:  "Command-line interface for the Tradora conversation messaging core.\nManage credentials, browse conversations, and chat live over the socket.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
