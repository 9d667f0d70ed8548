package main

import (
	"fmt"

	"github.com/arvago/api-proxy/internal/admin"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the response cache",
	Long:  `Inspect and invalidate cached responses via the admin API.`,
}

func init() {
	var invalidateCmd = &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cached responses",
		Long: `Invalidate cached responses by scope:

  exact   one path (all header variants, or one precise entry with --strict)
  prefix  every path under --path-prefix
  all     the whole response cache

Use --dry-run to count matches without deleting anything.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, _ := cmd.Flags().GetString("scope")
			if scope == "" {
				return fmt.Errorf("--scope is required (exact, prefix, or all)")
			}

			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			path, _ := cmd.Flags().GetString("path")
			pathPrefix, _ := cmd.Flags().GetString("path-prefix")
			strict, _ := cmd.Flags().GetBool("strict")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			params := admin.InvalidateParams{
				Scope:      scope,
				Path:       path,
				PathPrefix: pathPrefix,
				Strict:     strict,
				DryRun:     dryRun,
			}

			accept, _ := cmd.Flags().GetString("accept")
			acceptLanguage, _ := cmd.Flags().GetString("accept-language")
			apiKey, _ := cmd.Flags().GetString("api-key")
			if accept != "" || acceptLanguage != "" || apiKey != "" {
				params.Headers = &admin.InvalidateHeaders{
					Accept:         accept,
					AcceptLanguage: acceptLanguage,
					APIKey:         apiKey,
				}
			}

			result, err := client.InvalidateCache(cmd.Context(), params)
			if err != nil {
				return err
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(result)
			}
			if result.DryRun {
				fmt.Printf("Dry run: %d cached responses match (scope %s).\n", result.Matched, result.Scope)
			} else {
				fmt.Printf("Invalidated %d of %d matched cached responses (scope %s).\n",
					result.Deleted, result.Matched, result.Scope)
			}
			return nil
		},
	}
	invalidateCmd.Flags().String("scope", "", "Invalidation scope: exact, prefix, or all (required)")
	invalidateCmd.Flags().String("path", "", "Path with optional query string (scope exact)")
	invalidateCmd.Flags().String("path-prefix", "", "Path prefix (scope prefix)")
	invalidateCmd.Flags().Bool("strict", false, "Match one precise entry using the header flags (scope exact)")
	invalidateCmd.Flags().String("accept", "", "Accept header of the entry (with --strict)")
	invalidateCmd.Flags().String("accept-language", "", "Accept-Language header of the entry (with --strict)")
	invalidateCmd.Flags().String("api-key", "", "Client API key of the entry (with --strict)")
	invalidateCmd.Flags().Bool("dry-run", false, "Count matches without deleting")
	invalidateCmd.Flags().Bool("json", false, "Output as JSON")
	invalidateCmd.Flags().String("admin-token", "", "Admin API token (overrides env)")

	cacheCmd.AddCommand(invalidateCmd)
}
