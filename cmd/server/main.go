/*
main.go - Application entry point

PURPOSE:
  Command line for the field CRM engine: the HTTP server plus one-shot
  maintenance jobs sharing the same configuration and store wiring.

COMMANDS:
  serve      Run the HTTP API (and the expiry scheduler when enabled)
  expire     Expire overdue draft/sent quotes once and exit
  reconcile  Run the customer-view reconciliation for one customer

CONFIGURATION:
  See package config. Every setting can come from crm.yaml, .env or
  CRM_-prefixed environment variables. --config adds a search directory
  for crm.yaml.

EXAMPLES:
  # Local server on SQLite
  CRM_AUTH_JWT_SECRET=dev ./server serve

  # Postgres
  CRM_STORE_DRIVER=postgres CRM_STORE_POSTGRES_DSN="host=db dbname=crm" ./server serve

  # Nightly job
  ./server expire --as-of 2025-06-30

SEE ALSO:
  - serve.go: HTTP server startup and graceful shutdown
  - app.go: Store and service wiring
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Field CRM engine - quotes, customers and sales reconciliation",
	Long: `Multi-tenant quote ledger for field service companies.

Quotes carry derived tax and totals; accepting a quote promotes its
customer to Sold. Run "serve" for the HTTP API or use the one-shot
maintenance commands.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "extra directory to search for crm.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
