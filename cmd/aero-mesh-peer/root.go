package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time.
	buildCommit = ""
	buildTime   = ""
)

// peerFlags are shared by every subcommand that talks to a signaling server.
var peerFlags struct {
	server    string
	logFormat string
	logLevel  string

	iceServersJSON string
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

var rootCmd = &cobra.Command{
	Use:   "aero-mesh-peer",
	Short: "Headless participant for aero mesh calls",
	Long: `aero-mesh-peer joins a mesh call room through an aero-mesh-signal server
and exchanges audio/video with every other participant directly over WebRTC.

Options fall back to AERO_MESH_PEER_* environment variables when unset.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	rootCmd.Version = versionString()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&peerFlags.server, "server", "", "signaling websocket URL, e.g. ws://localhost:3001/ws")
	pf.StringVar(&peerFlags.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&peerFlags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&peerFlags.iceServersJSON, "ice-servers-json", "", "ICE servers as a JSON array")
	pf.StringVar(&peerFlags.stunURLs, "stun-urls", "", "comma-separated STUN URLs")
	pf.StringVar(&peerFlags.turnURLs, "turn-urls", "", "comma-separated TURN URLs")
	pf.StringVar(&peerFlags.turnUsername, "turn-username", "", "TURN username")
	pf.StringVar(&peerFlags.turnCredential, "turn-credential", "", "TURN credential")
}

func versionString() string {
	commit, built := buildCommit, buildTime
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	if built == "" {
		return commit
	}
	return commit + " (" + built + ")"
}
