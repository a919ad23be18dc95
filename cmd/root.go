package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "billing",
	Short: "Quoting and invoicing service for trade businesses",
	Long:  `Billing service handling quotes, invoices, document numbering, PDF rendering and dashboard KPIs`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
