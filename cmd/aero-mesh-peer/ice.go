package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signalclient"
)

var iceTimeout time.Duration

var iceCmd = &cobra.Command{
	Use:   "ice",
	Short: "Print the ICE servers advertised by the signaling server",
	Long: `Fetch GET /webrtc/ice from the signaling server's HTTP origin and print the
result as JSON. When the server issues TURN REST credentials, each call
returns a fresh username/credential pair.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		base := config.HTTPBaseURL(config.PeerServerURL(peerFlags.server))
		if base == "" {
			return fmt.Errorf("invalid --server %q", peerFlags.server)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), iceTimeout)
		defer cancel()

		servers, err := signalclient.FetchICEServers(ctx, base, nil)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"iceServers": servers})
	},
}

func init() {
	rootCmd.AddCommand(iceCmd)

	iceCmd.Flags().DurationVar(&iceTimeout, "timeout", 10*time.Second, "request timeout")
}
