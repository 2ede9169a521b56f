// The admin console is ambient operator tooling (spec component K):
// an optional interactive shell exposing read-only introspection over
// the running server. It never touches the core packages' internals
// beyond Server.SnapshotStats, and the core packages never import it.
// Grounded on the teacher's grumble-based cmd/proxy/main.go shell.
package main

import (
	"fmt"
	"os"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"

	"socks5d/internal/server"
)

func runConsole(srv *server.Server) {
	app := grumble.New(&grumble.Config{
		Name:        "socks5d",
		Description: "SOCKS5 proxy server admin console",
	})

	app.AddCommand(&grumble.Command{
		Name: "stats",
		Help: "show live and peak connection/tunnel counts",
		Run: func(c *grumble.Context) error {
			st := srv.SnapshotStats()
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"metric", "live", "peak"})
			t.AppendRow(table.Row{"connections", st.LiveConnections, st.PeakConnections})
			t.AppendRow(table.Row{"tunnels", st.LiveTunnels, st.PeakTunnels})
			t.Render()
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "queue",
		Help: "dump the connection admission queue in FIFO order",
		Run: func(c *grumble.Context) error {
			st := srv.SnapshotStats()
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"position", "connection id"})
			for i, id := range st.QueueOrder {
				t.AppendRow(table.Row{i, id})
			}
			t.Render()
			fmt.Fprintf(os.Stdout, "%d connections admitted\n", len(st.QueueOrder))
			return nil
		},
	})

	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
