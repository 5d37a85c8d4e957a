package client

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	collaclient "github.com/rzbill/colla/internal/client"
	"github.com/rzbill/colla/internal/presence"
)

// NewPresenceCommand constructs the `presence` command group.
func NewPresenceCommand(baseURL BaseURLFunc) *cobra.Command {
	presenceCmd := &cobra.Command{Use: "presence", Short: "Presence operations"}

	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and print its peers after every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ns, _ := cmd.Flags().GetString("namespace")
			room, _ := cmd.Flags().GetString("room")
			peer, _ := cmd.Flags().GetString("peer")
			token, _ := cmd.Flags().GetString("token")
			state, _ := cmd.Flags().GetString("state")
			meta, _ := cmd.Flags().GetString("meta")
			duration, _ := cmd.Flags().GetDuration("duration")
			if room == "" {
				return fmt.Errorf("--room is required")
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, duration)
				defer stop()
			}

			ws, err := dial(ctx, baseURL)
			if err != nil {
				return err
			}
			defer ws.Close()

			peers := make(chan []presence.PeerState, 16)
			opts := collaclient.PresenceOptions{
				Namespace: ns,
				RoomID:    room,
				PeerID:    peer,
				Token:     token,
				Logger:    cliLogger(),
				OnPeers: func(ps []presence.PeerState) {
					select {
					case peers <- ps:
					default:
					}
				},
			}
			if state != "" {
				opts.InitialState = parseValue(state)
			}
			if meta != "" {
				opts.Meta = parseValue(meta)
			}
			member := collaclient.NewPresence(ws, opts)
			done := make(chan error, 1)
			go func() { done <- member.Run(ctx) }()

			for {
				select {
				case err := <-done:
					return err
				case ps := <-peers:
					if err := printJSON(cmd, ps); err != nil {
						return err
					}
				}
			}
		},
	}
	joinCmd.Flags().StringP("namespace", "n", "default", "Namespace")
	joinCmd.Flags().String("room", "", "Room id")
	joinCmd.Flags().String("peer", "", "Peer id (default random)")
	joinCmd.Flags().String("token", tokenFromEnv(), "Access token (default $COLLA_TOKEN)")
	joinCmd.Flags().String("state", "", "Initial dynamic state; parsed as JSON when possible")
	joinCmd.Flags().String("meta", "", "Peer metadata; parsed as JSON when possible")
	joinCmd.Flags().Duration("duration", 0, "Leave after this long (0 = until interrupted)")

	presenceCmd.AddCommand(joinCmd)
	return presenceCmd
}
