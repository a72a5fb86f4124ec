// Package cli implements replywatchctl, the operator command line for a
// running replywatch service.
package cli

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/replywatch/internal/client"
	"github.com/tjfontaine/replywatch/internal/server"
)

// now is replaced in tests so relative times are stable.
var now = time.Now

type globals struct {
	serverURL string
	actor     string
	header    string
}

func (g *globals) client() *client.Client {
	var opts []client.Option
	if g.actor != "" {
		opts = append(opts, client.WithActor(g.header, g.actor))
	}
	return client.New(g.serverURL, opts...)
}

// RootCmd returns the replywatchctl command tree.
func RootCmd() *cobra.Command {
	g := &globals{}

	defaultURL := os.Getenv("REPLYWATCH_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	cmd := &cobra.Command{
		Use:   "replywatchctl",
		Short: "Inspect and manage tracked client messages",
		Long: `replywatchctl talks to a running replywatch service.

Examples:
  replywatchctl messages list --state awaiting
  replywatchctl messages reassign 1843 bob
  replywatchctl stats employee alice --period week
  replywatchctl export`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.serverURL, "server", defaultURL, "replywatch base URL (env REPLYWATCH_URL)")
	cmd.PersistentFlags().StringVar(&g.actor, "as", os.Getenv("USER"), "operator name sent in the identity header")
	cmd.PersistentFlags().StringVar(&g.header, "identity-header", server.DefaultIdentityHeader, "identity header name")

	cmd.AddCommand(messagesCmd(g))
	cmd.AddCommand(statsCmd(g))
	cmd.AddCommand(exportCmd(g))
	return cmd
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
