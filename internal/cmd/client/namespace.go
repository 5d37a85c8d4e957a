package client

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/colla/internal/auth"
)

// NewNamespaceCommand constructs the `namespace` command group.
func NewNamespaceCommand(baseURL BaseURLFunc) *cobra.Command {
	nsCmd := &cobra.Command{Use: "namespace", Aliases: []string{"ns"}, Short: "Namespace operations"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			var meta map[string]any
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/namespaces", "", map[string]string{"namespace": name}, &meta); err != nil {
				return err
			}
			return printJSON(cmd, meta)
		},
	}
	createCmd.Flags().String("name", "default", "Namespace name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List namespaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Namespaces []map[string]any `json:"namespaces"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/namespaces", "", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out.Namespaces)
		},
	}

	nsCmd.AddCommand(createCmd, listCmd)
	return nsCmd
}

// NewTokenCommand constructs the `token` command group.
func NewTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{Use: "token", Short: "Access token operations"}
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an access token with the server's secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			issuer, _ := cmd.Flags().GetString("issuer")
			subject, _ := cmd.Flags().GetString("subject")
			ns, _ := cmd.Flags().GetString("namespace")
			permsFlag, _ := cmd.Flags().GetString("perms")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if secret == "" {
				return fmt.Errorf("--secret is required (or set COLLA_JWT_SECRET)")
			}
			var perms []auth.Permission
			for _, p := range strings.Split(permsFlag, ",") {
				switch p = strings.TrimSpace(p); auth.Permission(p) {
				case auth.Read, auth.Write:
					perms = append(perms, auth.Permission(p))
				case "":
				default:
					return fmt.Errorf("unknown permission %q; use read|write", p)
				}
			}
			token, err := auth.Issue(secret, issuer, subject, ns, ttl, perms...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().String("secret", os.Getenv("COLLA_JWT_SECRET"), "Signing secret (default $COLLA_JWT_SECRET)")
	issueCmd.Flags().String("issuer", "", "Issuer claim")
	issueCmd.Flags().String("subject", "cli", "Subject claim")
	issueCmd.Flags().StringP("namespace", "n", "", "Restrict the token to one namespace (empty = any)")
	issueCmd.Flags().String("perms", "read,write", "Comma separated permissions: read,write")
	issueCmd.Flags().Duration("ttl", time.Hour, "Lifetime (0 = no expiry)")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}
