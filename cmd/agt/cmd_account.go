package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"agtools/internal/antigravity"
	"agtools/internal/logging"
)

// accountCmd is the parent command for account management
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage Google Antigravity accounts",
	Long: `Manage the Google accounts the proxy dispatches through.

Available subcommands:
  add    - Add a new Google account via OAuth
  list   - List configured accounts with health and rate-limit state
  use    - Pin the active account by index or email
  remove - Remove an account by email
  status - Show pool health and verify tokens`,
}

// accountAddCmd adds a new Google account via OAuth
var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new Google account via OAuth",
	Long: `Add a Google account by running the OAuth flow in your browser.

This command:
1. Opens the browser for Google consent
2. Waits for the loopback callback on port 51121
3. Stores the refresh token in ~/.agtools/accounts.json`,
	RunE: runAccountAdd,
}

// accountListCmd lists all configured accounts
var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	RunE:  runAccountList,
}

// accountUseCmd pins the active account
var accountUseCmd = &cobra.Command{
	Use:   "use <index-or-email>",
	Short: "Pin the active account",
	Long: `Pin the account rotation starts from. The selector is an account
index from 'agt account list', an exact email, or a unique email prefix.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountUse,
}

// accountRemoveCmd removes an account by email
var accountRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Remove an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

// accountStatusCmd shows pool health and verifies tokens
var accountStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show account pool status",
	Long: `Show how many accounts are usable, refresh every stored token to
verify it still works, and preview the next account in rotation.`,
	RunE: runAccountStatus,
}

func init() {
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountUseCmd)
	accountCmd.AddCommand(accountRemoveCmd)
	accountCmd.AddCommand(accountStatusCmd)
}

// openAccountManager opens the shared account store.
func openAccountManager() (*antigravity.AccountManager, error) {
	path, err := antigravity.DefaultAccountsPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve accounts path: %w", err)
	}
	return antigravity.NewAccountManager(path, logging.Named("accounts"))
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	manager, err := openAccountManager()
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}

	fmt.Println("Adding Google Antigravity account...")

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	wait := spinner.New(spinner.CharSets[11], 100*time.Millisecond)
	wait.Suffix = " Waiting for Google sign-in to complete in your browser..."
	wait.Color("yellow") //nolint:errcheck

	account, err := antigravity.Login(ctx, func(url string) {
		fmt.Println("\nOpening browser for Google OAuth...")
		fmt.Printf("If the browser doesn't open, visit:\n%s\n\n", url)
		openBrowser(url)
		wait.Start()
	})
	wait.Stop()
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if err := manager.AddAccount(account); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	fmt.Printf("\nAccount added: %s\n", account.Email)
	if account.ProjectID != "" {
		fmt.Printf("Project: %s\n", account.ProjectID)
	}
	fmt.Printf("\nTotal accounts configured: %d\n", manager.Count())
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	manager, err := openAccountManager()
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}

	statuses := manager.Statuses()
	if len(statuses) == 0 {
		fmt.Println("No accounts configured.")
		fmt.Println("\nRun 'agt account add' to add an account.")
		return nil
	}
	accounts := manager.ListAccounts()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "Email", "Project", "Health", "Status", "Last Used"})
	for i, st := range statuses {
		email := st.Email
		if st.Active {
			email = "* " + email
		}
		var acc *antigravity.Account
		if i < len(accounts) {
			acc = accounts[i]
		}
		project := ""
		if acc != nil {
			project = acc.ProjectID
		}
		t.AppendRow(table.Row{
			st.Index,
			email,
			project,
			fmt.Sprintf("%d/100", st.HealthScore),
			accountState(st, acc),
			formatLastUsed(st.LastUsed),
		})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
	return nil
}

func runAccountUse(cmd *cobra.Command, args []string) error {
	manager, err := openAccountManager()
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}

	account, err := manager.SetActive(args[0])
	if err != nil {
		return fmt.Errorf("failed to switch account: %w", err)
	}
	fmt.Printf("Switched to account: %s\n", account.Email)
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	email := args[0]

	manager, err := openAccountManager()
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}

	if err := manager.DeleteAccount(email); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	fmt.Printf("Removed account: %s\n", email)

	remaining := manager.Count()
	fmt.Printf("Remaining accounts: %d\n", remaining)
	if remaining == 0 {
		fmt.Println("\nWarning: no accounts left. Run 'agt account add' to add one.")
	}
	return nil
}

func runAccountStatus(cmd *cobra.Command, args []string) error {
	manager, err := openAccountManager()
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}

	statuses := manager.Statuses()
	if len(statuses) == 0 {
		fmt.Println("No accounts configured.")
		fmt.Println("\nRun 'agt account add' to add an account.")
		return nil
	}

	var usable, benched int
	for _, st := range statuses {
		if st.CoolingDown || len(st.LimitedPools) > 0 {
			benched++
		} else {
			usable++
		}
	}

	fmt.Println("Antigravity Account Status")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("Total accounts: %d\n", len(statuses))
	fmt.Printf("Usable:         %d\n", usable)
	fmt.Printf("Benched:        %d\n", benched)

	// Refresh every token in parallel so the report reflects reality,
	// not just what the store last recorded.
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	accounts := manager.ListAccounts()
	tokenErrs := make([]error, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			_, tokenErrs[i] = manager.EnsureAccessToken(gctx, acc)
			return nil
		})
	}
	_ = g.Wait()

	fmt.Println("\nTokens:")
	for i, acc := range accounts {
		if tokenErrs[i] != nil {
			fmt.Printf("  ✗ %s: %v\n", acc.Email, tokenErrs[i])
		} else {
			fmt.Printf("  ✓ %s\n", acc.Email)
		}
	}

	if next, err := manager.GetCurrentOrNextForFamily("gemini", "", "sticky"); err == nil {
		fmt.Printf("\nNext account in rotation: %s\n", next.Email)
	} else {
		fmt.Println("\nNo accounts currently available for rotation.")
	}
	return nil
}

// accountState renders one account's dispatch availability.
func accountState(st antigravity.AccountStatus, acc *antigravity.Account) string {
	switch {
	case st.CoolingDown:
		return text.FgRed.Sprint("cooling down")
	case len(st.LimitedPools) > 0:
		var until time.Time
		if acc != nil {
			for _, pool := range st.LimitedPools {
				if reset, ok := acc.RateLimitResetTimes[pool]; ok && (until.IsZero() || reset.Before(until)) {
					until = reset
				}
			}
		}
		if !until.IsZero() {
			return text.FgYellow.Sprintf("rate limited until %s", until.Format("15:04:05"))
		}
		return text.FgYellow.Sprint("rate limited")
	default:
		return text.FgGreen.Sprint("ok")
	}
}

func formatLastUsed(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}

// openBrowser opens the URL in the default browser. Failures just leave
// the printed URL for the user to open by hand.
func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		fmt.Printf("Could not open browser: %v\n", err)
	}
}
