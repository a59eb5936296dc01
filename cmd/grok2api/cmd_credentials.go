package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lanniny/grok2api/internal/store"
	"github.com/lanniny/grok2api/internal/upstream"

	"github.com/spf13/cobra"
)

var credentialTier string

// credentialsCmd manages the credential pool
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the credential pool",
	Long: `Manage the grok.com account credentials the gateway relays through.

Available subcommands:
  add    - Add a credential token to the pool
  list   - List all credentials with quota and cooldown state
  remove - Remove a credential by id`,
}

// credentialsAddCmd adds a credential token
var credentialsAddCmd = &cobra.Command{
	Use:   "add [token]",
	Short: "Add a credential token to the pool",
	Long: `Adds a grok.com session token to the pool in the active state.

New credentials start with unknown quota; the first probe or the
background reconciler fills it in.

Example:
  grok2api credentials add eyJhbGci... --tier premium`,
	Args: cobra.ExactArgs(1),
	RunE: runCredentialsAdd,
}

// credentialsListCmd lists pool contents
var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all credentials with quota and cooldown state",
	RunE:  runCredentialsList,
}

// credentialsRemoveCmd removes a credential
var credentialsRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a credential by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runCredentialsRemove,
}

// probeCmd checks remaining quota upstream
var probeCmd = &cobra.Command{
	Use:   "probe [id]",
	Short: "Probe credentials upstream for remaining quota",
	Long: `Asks grok.com for the remaining quota of each credential and stores
the observed values. With an id, probes just that credential;
otherwise probes every non-expired one.

Probes count against upstream rate limits, so bulk probing walks the
pool sequentially.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	credentialsAddCmd.Flags().StringVar(&credentialTier, "tier", "standard", "Account tier: standard or premium")

	credentialsCmd.AddCommand(credentialsAddCmd)
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsRemoveCmd)
}

func runCredentialsAdd(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(args[0])
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	tier, err := parseTier(credentialTier)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cred, err := st.Insert(ctx, token, tier)
	if err != nil {
		return fmt.Errorf("failed to add credential: %w", err)
	}

	fmt.Printf("Added credential %s (id %d, tier %s)\n", cred.Display(), cred.ID, cred.Tier)
	fmt.Println("Quota is unknown until the first probe; run 'grok2api probe' to fill it in.")
	return nil
}

func runCredentialsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	creds, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		fmt.Println("No credentials configured. Add one with 'grok2api credentials add'.")
		return nil
	}

	fmt.Printf("Credentials (%d)\n", len(creds))
	fmt.Println()
	for _, c := range creds {
		fmt.Printf("[%s] %s (id %d, %s)\n", statusIcon(c.Status), c.Display(), c.ID, c.Tier)
		fmt.Printf("    Status: %s\n", c.Status)
		fmt.Printf("    Quota:  %s", formatQuota(c.RemainingQuota))
		if c.Tier == store.TierPremium {
			fmt.Printf(" (heavy %s)", formatQuota(c.RemainingHeavyQuota))
		}
		fmt.Println()
		if c.Status == store.StatusCooling && !c.CooldownUntil.IsZero() {
			fmt.Printf("    Cooldown ends: %s\n", c.CooldownUntil.Format(time.RFC3339))
		}
		if !c.LastUsedAt.IsZero() {
			fmt.Printf("    Last used: %s\n", c.LastUsedAt.Format(time.RFC3339))
		}
		if len(c.Tags) > 0 {
			fmt.Printf("    Tags: %s\n", strings.Join(c.Tags, ", "))
		}
	}
	return nil
}

func runCredentialsRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid credential id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cred, err := st.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("credential %d not found", id)
	}
	if err := st.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}

	fmt.Printf("Removed credential %s (id %d)\n", cred.Display(), id)
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var targets []*store.Credential
	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid credential id %q", args[0])
		}
		cred, err := st.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("credential %d not found", id)
		}
		targets = append(targets, cred)
	} else {
		creds, err := st.List(ctx)
		if err != nil {
			return err
		}
		for _, c := range creds {
			if c.Status != store.StatusExpired {
				targets = append(targets, c)
			}
		}
	}
	if len(targets) == 0 {
		fmt.Println("Nothing to probe.")
		return nil
	}

	session := upstream.NewSession(upstream.Options{
		BaseURL:      cfg.Upstream.BaseURL,
		AssetBaseURL: cfg.Upstream.AssetBaseURL,
		UserAgent:    cfg.Upstream.UserAgent,
		CFClearance:  cfg.Upstream.CFClearance,
	})

	fmt.Printf("Probing %d credential(s)...\n", len(targets))
	for i, c := range targets {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.GetProbeDelay()):
			}
		}
		q, err := session.CheckQuota(ctx, c)
		if err != nil {
			fmt.Printf("[x] %s: %v\n", c.Display(), err)
			continue
		}
		if err := st.SetQuota(ctx, c.ID, q.Remaining, q.Heavy); err != nil {
			return fmt.Errorf("failed to store quota for %s: %w", c.Display(), err)
		}
		if c.Tier == store.TierPremium {
			fmt.Printf("[+] %s: %d remaining (heavy %d)\n", c.Display(), q.Remaining, q.Heavy)
		} else {
			fmt.Printf("[+] %s: %d remaining\n", c.Display(), q.Remaining)
		}
	}
	return nil
}

func parseTier(s string) (store.Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "normal", "":
		return store.TierStandard, nil
	case "premium", "super":
		return store.TierPremium, nil
	default:
		return "", fmt.Errorf("unknown tier %q (use standard or premium)", s)
	}
}

func statusIcon(s store.Status) string {
	switch s {
	case store.StatusActive:
		return "+"
	case store.StatusCooling:
		return "~"
	default:
		return "x"
	}
}

func formatQuota(n int) string {
	if n == store.QuotaUnknown {
		return "unknown"
	}
	return strconv.Itoa(n)
}
