package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"tilesync/pkg/session"
	"tilesync/pkg/tiles"
	"tilesync/pkg/types"
)

// consoleClient is the part of session.Client the join console drives.
type consoleClient interface {
	MarkTile(ctx context.Context, t types.Tile, marked bool) error
	UpdateProfile(ctx context.Context, name, color string) error
	LeaveGroup(ctx context.Context) error
	Disconnect()
	State() session.ClientState
	Group() types.GroupProfile
	Profile() types.Profile
	Tiles() *tiles.GroupTileData
}

// runConsole reads commands until quit, leave or end of input.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, c consoleClient) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Commands: mark, unmark, name, color, status, members, help, leave, quit")

	for {
		fmt.Fprintf(out, "[%s]> ", c.Profile().Name)
		if !scanner.Scan() {
			c.Disconnect()
			return scanner.Err()
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch cmd, args := parts[0], parts[1:]; cmd {
		case "mark", "unmark":
			t, err := parseTile(args)
			if err != nil {
				fmt.Fprintf(out, "Usage: %s <region> <x> <y> [plane]: %v\n", cmd, err)
				continue
			}
			if err := c.MarkTile(ctx, t, cmd == "mark"); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "%sed %d/%d/%d/%d\n", cmd, t.RegionID, t.RegionX, t.RegionY, t.Plane)
		case "name", "color":
			if len(args) != 1 {
				fmt.Fprintf(out, "Usage: %s <value>\n", cmd)
				continue
			}
			name, color := args[0], ""
			if cmd == "color" {
				name, color = "", args[0]
			}
			if err := c.UpdateProfile(ctx, name, color); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
			}
		case "status":
			doStatus(out, c)
		case "members":
			doMembers(out, c)
		case "help":
			fmt.Fprintln(out, "Available Commands:")
			fmt.Fprintln(out, "  mark <region> <x> <y> [plane]    - Mark a tile")
			fmt.Fprintln(out, "  unmark <region> <x> <y> [plane]  - Unmark a tile")
			fmt.Fprintln(out, "  name <name> | color <#rrggbb>    - Update your profile")
			fmt.Fprintln(out, "  status                           - Connection and tile totals")
			fmt.Fprintln(out, "  members                          - Group members and their tiles")
			fmt.Fprintln(out, "  leave                            - Leave the group and disconnect")
			fmt.Fprintln(out, "  quit                             - Disconnect, staying in the group")
		case "leave":
			if err := c.LeaveGroup(ctx); err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, "Left the group.")
			return nil
		case "quit", "exit":
			fmt.Fprintln(out, "Disconnecting...")
			c.Disconnect()
			return nil
		default:
			fmt.Fprintln(out, "Unknown command. Type 'help' for options.")
		}
	}
}

func doStatus(out io.Writer, c consoleClient) {
	g := c.Group()
	name := g.Name
	if g.IsNone() {
		name = "none"
	}
	own := c.Tiles().ProfileTileData(c.Profile().AccountHash).CountTiles()
	fmt.Fprintf(out, "State: %s | Group: %s | Members: %d | Tiles: %d (yours %d)\n",
		c.State(), name, len(g.Members), c.Tiles().CountTiles(), own)
}

func doMembers(out io.Writer, c consoleClient) {
	ts := c.Tiles()
	for _, m := range c.Group().Members {
		n := 0
		if ts.HasProfile(m.AccountHash) {
			n = ts.ProfileTileData(m.AccountHash).CountTiles()
		}
		fmt.Fprintf(out, "  %-16s %-8s %d tiles\n", m.Name, m.Color, n)
	}
}
