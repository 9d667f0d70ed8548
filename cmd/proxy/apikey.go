package main

import (
	"fmt"
	"time"

	"github.com/arvago/api-proxy/internal/admin"
	"github.com/spf13/cobra"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
	Long:  `Create, list, revoke, activate, and delete API keys via the admin API.`,
}

func init() {
	var createCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, _ := cmd.Flags().GetString("owner")
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}

			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			label, _ := cmd.Flags().GetString("label")
			contact, _ := cmd.Flags().GetString("contact")
			createdBy, _ := cmd.Flags().GetString("created-by")
			params := admin.CreateKeyParams{Owner: owner, Label: label, Contact: contact, CreatedBy: createdBy}
			if expiresIn, _ := cmd.Flags().GetDuration("expires-in"); expiresIn > 0 {
				expiresAt := time.Now().Add(expiresIn).UTC()
				params.ExpiresAt = &expiresAt
			}

			created, err := client.CreateKey(cmd.Context(), params)
			if err != nil {
				return err
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(created)
			}
			fmt.Printf("Key ID:  %s\n", created.KeyID)
			fmt.Printf("API key: %s\n", created.APIKey)
			if created.ExpiresAt != nil {
				fmt.Printf("Expires: %s\n", created.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Println("Store the API key now; it cannot be retrieved again.")
			return nil
		},
	}
	createCmd.Flags().String("owner", "", "Owner of the key (required)")
	createCmd.Flags().String("label", "", "Free-form label")
	createCmd.Flags().String("contact", "", "Contact for the key owner")
	createCmd.Flags().String("created-by", "", "Who created the key")
	createCmd.Flags().Duration("expires-in", 0, "Expiry relative to now (e.g. 720h); zero means no expiry")
	createCmd.Flags().Bool("json", false, "Output as JSON")
	createCmd.Flags().String("admin-token", "", "Admin API token (overrides env)")

	var listCmd = &cobra.Command{
		Use:   "list",
		Short: "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			keys, err := client.ListKeys(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				return printJSON(keys)
			}
			fmt.Printf("%-36s  %-20s  %-20s  %-8s  %-16s\n", "KEY ID", "OWNER", "LABEL", "REVOKED", "CREATED")
			for _, k := range keys {
				fmt.Printf("%-36s  %-20s  %-20s  %-8t  %-16s\n",
					k.KeyID, k.Owner, k.Label, k.Revoked, k.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	listCmd.Flags().Bool("json", false, "Output as JSON")
	listCmd.Flags().String("admin-token", "", "Admin API token (overrides env)")

	var revokeCmd = &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}
			if err := client.RevokeKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Key %s revoked.\n", args[0])
			return nil
		},
	}
	revokeCmd.Flags().String("admin-token", "", "Admin API token (overrides env)")

	var activateCmd = &cobra.Command{
		Use:   "activate <key-id>",
		Short: "Re-activate a revoked API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}
			if err := client.ActivateKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Key %s activated.\n", args[0])
			return nil
		},
	}
	activateCmd.Flags().String("admin-token", "", "Admin API token (overrides env)")

	var deleteCmd = &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}
			if err := client.DeleteKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Key %s deleted.\n", args[0])
			return nil
		},
	}
	deleteCmd.Flags().String("admin-token", "", "Admin API token (overrides env)")

	apikeyCmd.AddCommand(createCmd, listCmd, revokeCmd, activateCmd, deleteCmd)
}
