package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rzbill/colla/internal/server/rpc"
	"github.com/rzbill/colla/internal/serverstate"
)

// NewStateCommand constructs the `state` command group for server state.
func NewStateCommand(baseURL BaseURLFunc) *cobra.Command {
	stateCmd := &cobra.Command{Use: "state", Short: "Server state operations"}
	stateCmd.PersistentFlags().StringP("namespace", "n", "default", "Namespace")
	stateCmd.PersistentFlags().String("token", tokenFromEnv(), "Access token (default $COLLA_TOKEN)")
	stateCmd.AddCommand(
		newStatePutCommand(baseURL),
		newStateGetCommand(baseURL),
		newStateWatchCommand(baseURL),
	)
	return stateCmd
}

func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// newStatePutCommand constructs the `state put` subcommand.
func newStatePutCommand(baseURL BaseURLFunc) *cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Replace a server state value",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			token, _ := cmd.Flags().GetString("token")
			key, _ := cmd.Flags().GetString("key")
			value, _ := cmd.Flags().GetString("value")
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			u := fmt.Sprintf("%s/%s/server-state/%s", baseURL(), url.PathEscape(ns), url.PathEscape(key))
			if err := doJSON(cmd.Context(), http.MethodPut, u, token, parseValue(value), nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	putCmd.Flags().String("key", "", "Key")
	putCmd.Flags().String("value", "null", "Value; parsed as JSON when possible")
	return putCmd
}

// newStateGetCommand constructs the `state get` subcommand.
func newStateGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print server state values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			token, _ := cmd.Flags().GetString("token")
			keys, _ := cmd.Flags().GetString("keys")
			u := fmt.Sprintf("%s/%s/server-state?keys=%s", baseURL(), url.PathEscape(ns), url.QueryEscape(keys))
			var out struct {
				Values map[string]json.RawMessage `json:"values"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, u, token, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out.Values)
		},
	}
	getCmd.Flags().String("keys", "", "Comma separated keys")
	return getCmd
}

// newStateWatchCommand constructs the `state watch` subcommand.
func newStateWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print server state values as they change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			token, _ := cmd.Flags().GetString("token")
			rawKeys, _ := cmd.Flags().GetString("keys")
			keys := splitKeys(rawKeys)
			limit, _ := cmd.Flags().GetInt("limit")
			if len(keys) == 0 {
				return fmt.Errorf("--keys is required")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			ws, err := dial(ctx, baseURL)
			if err != nil {
				return err
			}
			defer ws.Close()

			var sessionID string
			seen := 0
			emit := func(values map[string]json.RawMessage) error {
				if limit > 0 && seen >= limit {
					return nil
				}
				if err := printJSON(cmd, values); err != nil {
					return err
				}
				seen++
				if limit > 0 && seen >= limit {
					cancel()
				}
				return nil
			}
			return ws.Subscribe(ctx, rpc.PathServerState, rpc.ServerStateInput{Namespace: ns, Token: token}, func(raw json.RawMessage) error {
				var msg serverstate.Message
				if err := json.Unmarshal(raw, &msg); err != nil {
					return err
				}
				switch {
				case msg.SessionID != "":
					sessionID = msg.SessionID
				case msg.Type == serverstate.TypeInit:
					var current map[string]json.RawMessage
					if err := ws.Call(ctx, rpc.PathWatchKeys, serverstate.WatchRequest{SessionID: sessionID, Keys: keys}, &current); err != nil {
						return err
					}
					return emit(current)
				case msg.Type == serverstate.TypeUpdates:
					return emit(msg.Values)
				}
				return nil
			})
		},
	}
	watchCmd.Flags().String("keys", "", "Comma separated keys")
	watchCmd.Flags().Int("limit", 0, "Stop after N prints, the first being current values (0 = infinite)")
	return watchCmd
}
