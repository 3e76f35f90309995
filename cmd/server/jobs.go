package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldops/crm-engine/crm"
)

var (
	expireCompany string
	expireAsOf    string

	reconcileCompany  string
	reconcileCustomer string
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire overdue draft and sent quotes once",
	RunE:  runExpire,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile one customer's status with its quotes",
	Long: `Loads the customer's quotes by id and by name and promotes the
customer to Sold when any of them is accepted. This is the same
reconciliation the customer detail view performs.`,
	RunE: runReconcile,
}

func init() {
	expireCmd.Flags().StringVar(&expireCompany, "company", "", "company id (default: every company)")
	expireCmd.Flags().StringVar(&expireAsOf, "as-of", "", "reference date YYYY-MM-DD (default: today)")
	rootCmd.AddCommand(expireCmd)

	reconcileCmd.Flags().StringVar(&reconcileCompany, "company", "", "company id")
	reconcileCmd.Flags().StringVar(&reconcileCustomer, "customer", "", "customer id")
	reconcileCmd.MarkFlagRequired("company")
	reconcileCmd.MarkFlagRequired("customer")
	rootCmd.AddCommand(reconcileCmd)
}

func runExpire(cmd *cobra.Command, args []string) error {
	asOf := time.Now()
	if expireAsOf != "" {
		d, err := crm.ParseDate(expireAsOf)
		if err != nil {
			return err
		}
		asOf = d
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.ledger.ExpireOverdue(cmd.Context(), crm.CompanyID(expireCompany), asOf)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d quote(s) as of %s\n", n, crm.DateOf(asOf).Format(crm.DateLayout))
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	c, err := a.store.GetCustomer(ctx, crm.CustomerID(reconcileCustomer))
	if err != nil {
		return err
	}
	if c == nil || c.CompanyID != crm.CompanyID(reconcileCompany) {
		return errors.New("customer not found in company")
	}

	qs, out := a.reconciler.ForCustomerView(ctx, c.CompanyID, c.ID, c.CustomerName)
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "customer %s (%s): %d quote(s)\n", c.ID, c.CustomerName, len(qs))
	fmt.Fprintf(w, "promoted=%v already_sold=%v failed=%v ambiguous=%v\n",
		out.Promoted, out.AlreadySold, out.Failed, out.Ambiguous)
	return nil
}
