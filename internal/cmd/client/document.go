package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	collaclient "github.com/rzbill/colla/internal/client"
	"github.com/rzbill/colla/internal/crdt"
)

// NewDocumentCommand constructs the `doc` command group.
func NewDocumentCommand(baseURL BaseURLFunc) *cobra.Command {
	docCmd := &cobra.Command{Use: "doc", Short: "Document operations"}
	docCmd.PersistentFlags().StringP("namespace", "n", "default", "Namespace")
	docCmd.PersistentFlags().String("id", "", "Document id")
	docCmd.PersistentFlags().String("token", tokenFromEnv(), "Access token (default $COLLA_TOKEN)")
	docCmd.AddCommand(
		newDocGetCommand(baseURL),
		newDocSetCommand(baseURL),
		newDocWatchCommand(baseURL),
	)
	return docCmd
}

type docFlags struct {
	namespace, id, token string
}

func readDocFlags(cmd *cobra.Command) (docFlags, error) {
	var f docFlags
	f.namespace, _ = cmd.Flags().GetString("namespace")
	f.id, _ = cmd.Flags().GetString("id")
	f.token, _ = cmd.Flags().GetString("token")
	if f.id == "" {
		return f, fmt.Errorf("--id is required")
	}
	return f, nil
}

// newDocGetCommand constructs the `doc get` subcommand.
func newDocGetCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the compacted document as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := readDocFlags(cmd)
			if err != nil {
				return err
			}
			u := fmt.Sprintf("%s/%s/documents/%s", baseURL(), url.PathEscape(f.namespace), url.PathEscape(f.id))
			var snap struct {
				Snapshot []byte `json:"snapshot"`
				LastSeq  int64  `json:"lastSeq"`
			}
			if err := doJSON(cmd.Context(), http.MethodGet, u, f.token, nil, &snap); err != nil {
				return err
			}
			out := map[string]any{"lastSeq": snap.LastSeq, "value": nil}
			if len(snap.Snapshot) > 0 {
				doc, err := crdt.LoadDoc(snap.Snapshot)
				if err != nil {
					return err
				}
				if out["value"], err = doc.Get(); err != nil {
					return err
				}
				out["heads"] = doc.Heads()
			}
			return printJSON(cmd, out)
		},
	}
}

// openReplica dials the node and runs a replica until the returned stop is
// called.
func openReplica(ctx context.Context, baseURL BaseURLFunc, f docFlags, onChange func(collaclient.Event)) (*collaclient.Replica, func(), error) {
	ws, err := dial(ctx, baseURL)
	if err != nil {
		return nil, nil, err
	}
	rep := collaclient.NewReplica(ws, collaclient.ReplicaOptions{
		Namespace:  f.namespace,
		DocumentID: f.id,
		Token:      f.token,
		OnChange:   onChange,
		Logger:     cliLogger(),
	})
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rep.Run(rctx)
	}()
	stop := func() {
		cancel()
		<-done
		_ = ws.Close()
	}
	return rep, stop, nil
}

// newDocSetCommand constructs the `doc set` subcommand.
func newDocSetCommand(baseURL BaseURLFunc) *cobra.Command {
	setCmd := &cobra.Command{
		Use:     "set",
		Aliases: []string{"edit"},
		Short:   "Set a top-level key of a document and wait until it is published",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := readDocFlags(cmd)
			if err != nil {
				return err
			}
			key, _ := cmd.Flags().GetString("key")
			value, _ := cmd.Flags().GetString("value")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rep, stop, err := openReplica(ctx, baseURL, f, nil)
			if err != nil {
				return err
			}
			defer stop()
			if err := poll(ctx, rep.Synced); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			if err := rep.Set(parseValue(value), key); err != nil {
				return err
			}
			if err := poll(ctx, func() bool { return rep.Pending() == 0 }); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	setCmd.Flags().String("key", "", "Top-level key")
	setCmd.Flags().String("value", "", "Value; parsed as JSON when possible")
	setCmd.Flags().Duration("timeout", 10*time.Second, "Give up after this long")
	return setCmd
}

// newDocWatchCommand constructs the `doc watch` subcommand.
func newDocWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the document after every remote change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := readDocFlags(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			events := make(chan collaclient.Event, 64)
			rep, stop, err := openReplica(ctx, baseURL, f, func(ev collaclient.Event) {
				select {
				case events <- ev:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer stop()

			seen := 0
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-events:
					value, err := rep.Get()
					if err != nil {
						return err
					}
					out := map[string]any{"origin": ev.Origin, "lastSeq": ev.LastSeq, "value": value}
					if ev.Client != "" {
						out["client"] = ev.Client
					}
					if err := printJSON(cmd, out); err != nil {
						return err
					}
					seen++
					if limit > 0 && seen >= limit {
						return nil
					}
				}
			}
		},
	}
	watchCmd.Flags().Int("limit", 0, "Stop after N changes (0 = infinite)")
	return watchCmd
}
