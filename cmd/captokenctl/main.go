/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Command captokenctl is the operator CLI for a running captokenserver:
// issue/verify/revoke/cleanup/rules subcommands over its HTTP API. Command
// surface and exit-code contract (0 success, 1 operational failure, 2 bad
// invocation) are grounded on cmd/legatorctl's cobra composition, carried
// over to match anumate_captokens_service's cli.py command set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
)

var (
	serverAddr string
	apiKey     string
	tenant     string
	jsonOutput bool
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		if isUsageError(err) {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitUsage
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFailure
	}
	return exitSuccess
}

// isUsageError distinguishes cobra's own arg-parsing failures (flags,
// argument count) from failures returned by a command's RunE body.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "requires at least") ||
		strings.Contains(msg, "accepts ") ||
		strings.Contains(msg, "invalid argument")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "captokenctl",
		Short:         "Operate a captokenserver capability enforcement core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "captokenserver base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CAPTOKENCTL_API_KEY"), "bearer token for the server API")
	root.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant identifier")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON output")

	root.AddCommand(
		newVersionCmd(),
		newIssueCmd(),
		newVerifyCmd(),
		newRevokeCmd(),
		newCleanupCmd(),
		newRulesCmd(),
		newPolicyCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print captokenctl build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printResult(cmd, map[string]string{"version": version, "commit": commit, "date": date})
			return nil
		},
	}
}

func newIssueCmd() *cobra.Command {
	var subject string
	var capabilities []string
	var ttl int

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new capability token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			if len(capabilities) == 0 {
				return fmt.Errorf("--capability must be given at least once")
			}
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			result, err := client.IssueToken(ctx, subject, capabilities, ttl, tenant)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "the principal the token is issued to")
	cmd.Flags().StringArrayVar(&capabilities, "capability", nil, "a capability name granted by the token (repeatable)")
	cmd.Flags().IntVar(&ttl, "ttl", 300, "token time-to-live in seconds")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a capability token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			result, err := client.VerifyToken(ctx, token, tenant)
			if err != nil {
				return err
			}
			printResult(cmd, result)
			if !result.Valid {
				return fmt.Errorf("token is not valid: %s", result.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "the token string to verify")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var tokenID string
	var revokedBy string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a capability token by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenID == "" {
				return fmt.Errorf("--token-id is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			if err := client.RevokeToken(ctx, tokenID, revokedBy); err != nil {
				return err
			}
			printResult(cmd, map[string]string{"token_id": tokenID, "status": "revoked"})
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenID, "token-id", "", "the token ID to revoke")
	cmd.Flags().StringVar(&revokedBy, "revoked-by", "captokenctl", "the principal performing the revocation")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var batchSize int
	var maxAgeDays int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired capability tokens in batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 120*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			stats, err := client.CleanupTokens(ctx, batchSize, maxAgeDays, dryRun)
			if err != nil {
				return err
			}
			printResult(cmd, stats)
			if stats.ErrorsEncountered > 0 {
				return fmt.Errorf("cleanup completed with %d errors", stats.ErrorsEncountered)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "number of tokens to process per batch")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 30, "delete tokens expired for longer than this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be cleaned up without deleting")
	return cmd
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and manage tool allow-list rules",
	}
	cmd.AddCommand(newRulesListCmd(), newRulesCreateCmd())
	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the active rules for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			rules, err := client.ListRules(ctx, tenant)
			if err != nil {
				return err
			}
			printResult(cmd, rules)
			return nil
		},
	}
}

func newRulesCreateCmd() *cobra.Command {
	var (
		capability    string
		toolPattern   string
		actionPattern string
		ruleType      string
		patternType   string
		priority      int
		description   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tool allow-list rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			if capability == "" || toolPattern == "" {
				return fmt.Errorf("--capability and --tool-pattern are required")
			}
			switch ruleType {
			case "allow", "deny":
			default:
				return fmt.Errorf("--rule-type must be 'allow' or 'deny'")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			ruleID, err := client.CreateRule(ctx, Rule{
				TenantID:       tenant,
				CapabilityName: capability,
				ToolPattern:    toolPattern,
				ActionPattern:  actionPattern,
				RuleType:       ruleType,
				PatternType:    patternType,
				Priority:       priority,
				IsActive:       true,
				Description:    description,
			})
			if err != nil {
				return err
			}
			printResult(cmd, map[string]string{"rule_id": ruleID})
			return nil
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "capability name the rule matches")
	cmd.Flags().StringVar(&toolPattern, "tool-pattern", "", "tool name pattern the rule matches")
	cmd.Flags().StringVar(&actionPattern, "action-pattern", "*", "action pattern the rule matches")
	cmd.Flags().StringVar(&ruleType, "rule-type", "allow", "allow or deny")
	cmd.Flags().StringVar(&patternType, "pattern-type", "exact", "exact|regex|glob")
	cmd.Flags().IntVar(&priority, "priority", 100, "evaluation priority, ascending")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and apply policy templates",
	}
	cmd.AddCommand(newPolicyListCmd(), newPolicyApplyCmd())
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-templates",
		Short: "List the policy templates known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			templates, err := client.ListPolicyTemplates(ctx)
			if err != nil {
				return err
			}
			printResult(cmd, templates)
			return nil
		},
	}
}

func newPolicyApplyCmd() *cobra.Command {
	var templateID string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Bootstrap a tenant's tool allow-list rules from a policy template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateID == "" {
				return fmt.Errorf("--template-id is required")
			}
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := NewAPIClient(serverAddr, apiKey)
			ruleIDs, err := client.ApplyPolicyTemplate(ctx, templateID, tenant)
			if err != nil {
				return err
			}
			printResult(cmd, map[string]any{"applied_rule_ids": ruleIDs})
			return nil
		},
	}
	cmd.Flags().StringVar(&templateID, "template-id", "", "the policy template to apply")
	return cmd
}

func printResult(cmd *cobra.Command, v any) {
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%+v\n", v)
}
