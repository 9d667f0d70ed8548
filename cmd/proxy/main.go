// Command api-proxy runs the caching reverse proxy and provides a CLI for
// managing API keys and the response cache through the admin API of a
// running instance.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/arvago/api-proxy/internal/admin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Global flag for the admin API base URL
var adminAPIBaseURL string

var rootCmd *cobra.Command

func init() {
	cobraRoot := &cobra.Command{
		Use:   "api-proxy",
		Short: "Caching reverse proxy with API-key management",
		Long: `api-proxy fronts a JSON API with response caching, API-key
authentication and rate limiting. The subcommands manage keys and the
cache through the admin API of a running proxy.`,
	}

	cobraRoot.PersistentFlags().StringVar(&adminAPIBaseURL, "admin-api-base-url",
		"http://localhost:8080", "Base URL of the running proxy's admin API")

	cobraRoot.AddCommand(serverCmd)
	cobraRoot.AddCommand(apikeyCmd)
	cobraRoot.AddCommand(cacheCmd)

	rootCmd = cobraRoot
}

// newAdminClient builds an admin API client from the persistent base URL
// flag and the resolved admin token.
func newAdminClient(cmd *cobra.Command) (*admin.APIClient, error) {
	_ = godotenv.Load()

	token, err := resolveAdminToken(cmd)
	if err != nil {
		return nil, err
	}
	return admin.NewAPIClient(adminAPIBaseURL, token), nil
}

// resolveAdminToken picks the admin token from the --admin-token flag, the
// ADMIN_API_TOKEN environment variable, or an interactive prompt when stdin
// is a terminal. The prompt never echoes the token.
func resolveAdminToken(cmd *cobra.Command) (string, error) {
	token, _ := cmd.Flags().GetString("admin-token")
	if token == "" {
		token = os.Getenv("ADMIN_API_TOKEN")
	}
	if token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Admin API token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read admin token: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	if token == "" {
		return "", fmt.Errorf("admin token is required (set ADMIN_API_TOKEN or use --admin-token)")
	}
	return token, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
