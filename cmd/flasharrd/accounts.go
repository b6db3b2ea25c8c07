package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/engine"
	"github.com/flasharr/flasharr/internal/events"
	"github.com/flasharr/flasharr/internal/hostclient/httpclient"
	"github.com/flasharr/flasharr/internal/taskstore"
	"os"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage pooled host accounts",
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Log in and add an account to the pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pooled accounts and their quota status",
	RunE:  runAccountsList,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove an account from the pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var (
	flagAccountSecret string
	flagAccountTier    string
	flagAccountQuota   int64
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)

	accountsAddCmd.Flags().StringVar(&flagAccountSecret, "secret", "", "account password/API secret (required)")
	accountsAddCmd.Flags().StringVar(&flagAccountTier, "tier", "free", "account tier: free or premium")
	accountsAddCmd.Flags().Int64Var(&flagAccountQuota, "daily-quota-bytes", 0, "daily byte quota (required)")
	_ = accountsAddCmd.MarkFlagRequired("secret")
	_ = accountsAddCmd.MarkFlagRequired("daily-quota-bytes")
}

// newOfflineEngine builds just enough of the daemon to drive account
// management commands without an HTTP server or scheduler running,
// for one-shot CLI invocations against the same on-disk state the
// daemon uses.
func newOfflineEngine() (*engine.Engine, func(), error) {
	cfg, err := loadConfigFlag()
	if err != nil {
		return nil, nil, err
	}

	store, err := taskstore.Open(filepath.Join(cfg.StateDir, "tasks.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening task store: %w", err)
	}
	pool, err := account.Open(filepath.Join(cfg.StateDir, "accounts.db"))
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("opening account pool: %w", err)
	}
	host, err := httpclient.New(httpclient.Options{
		BaseURL:     cfg.HostBaseURL,
		UserAgent:   cfg.UserAgent,
		ProxyURL:    cfg.ProxyURL,
		ResolvePath: cfg.HostResolvePath,
		LoginPath:   cfg.HostLoginPath,
		RefreshPath: cfg.HostRefreshPath,
	})
	if err != nil {
		store.Close()
		pool.Close()
		return nil, nil, fmt.Errorf("building host client: %w", err)
	}

	bus := events.New(8)
	eng := engine.New(store, pool, bus, host, cfg)
	closeFn := func() {
		store.Close()
		pool.Close()
	}
	return eng, closeFn, nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := newOfflineEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	tier := account.TierFree
	if flagAccountTier == "premium" {
		tier = account.TierPremium
	}

	err = eng.AddAccount(context.Background(), args[0], tier, []byte(flagAccountSecret), flagAccountQuota)
	if err != nil {
		return err
	}
	fmt.Printf("account %s added (%s tier, %d bytes/day)\n", args[0], flagAccountTier, flagAccountQuota)
	return nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := newOfflineEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	statuses, err := eng.ListAccounts()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EMAIL\tTIER\tUSED/QUOTA\tIN-FLIGHT\tDISABLED")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%v\n", s.Email, s.Tier, s.DailyUsedBytes, s.DailyQuotaBytes, s.InFlightLeases, s.Disabled)
	}
	return tw.Flush()
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	eng, closeFn, err := newOfflineEngine()
	if err != nil {
		return err
	}
	defer closeFn()
	return eng.RemoveAccount(args[0])
}
