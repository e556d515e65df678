package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tilesync/pkg/store"
)

// runAdmin manages stored profiles. With args it runs one command, otherwise it shows a menu.
func runAdmin(ctx context.Context, st *store.Store, args []string, in io.Reader, out io.Writer) error {
	if len(args) > 0 {
		return handleAdminCommand(ctx, st, args, out)
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintln(out, "\n========================================")
		fmt.Fprintln(out, "   TILESYNC ADMINISTRATION CONSOLE")
		fmt.Fprintln(out, "========================================")
		fmt.Fprintln(out, "1. List Profiles")
		fmt.Fprintln(out, "2. Show Group")
		fmt.Fprintln(out, "3. Delete Profile")
		fmt.Fprintln(out, "4. Exit")
		fmt.Fprint(out, "Select Option: ")

		if !scanner.Scan() {
			return scanner.Err()
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			listProfiles(ctx, st, out)
		case "2":
			fmt.Fprint(out, "Group ID: ")
			scanner.Scan()
			showGroup(ctx, st, strings.TrimSpace(scanner.Text()), out)
		case "3":
			deleteProfileInteractive(ctx, st, scanner, out)
		case "4":
			fmt.Fprintln(out, "Exiting.")
			return nil
		default:
			fmt.Fprintln(out, "Invalid option.")
		}
	}
}

func handleAdminCommand(ctx context.Context, st *store.Store, args []string, out io.Writer) error {
	switch args[0] {
	case "list":
		return listProfiles(ctx, st, out)
	case "group":
		if len(args) < 2 {
			return fmt.Errorf("usage: group <group-id>")
		}
		return showGroup(ctx, st, args[1], out)
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: delete <account> CONFIRM")
		}
		account, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid account %q", args[1])
		}
		if len(args) < 3 || args[2] != "CONFIRM" {
			return fmt.Errorf("to delete account %d, pass CONFIRM after the account", account)
		}
		return performDelete(ctx, st, account, out)
	}
	return fmt.Errorf("unknown command %q, available: list, group, delete", args[0])
}

func listProfiles(ctx context.Context, st *store.Store, out io.Writer) error {
	profiles, err := st.ListProfiles(ctx)
	if err != nil {
		fmt.Fprintf(out, "Error listing profiles: %v\n", err)
		return err
	}

	fmt.Fprintln(out, "\nAccount              | Name                 | Tiles  | Group")
	fmt.Fprintln(out, "---------------------|----------------------|--------|------")
	for _, p := range profiles {
		count := 0
		if ts, err := st.LoadProfileTileData(ctx, p.AccountHash); err == nil {
			count = ts.CountTiles()
		}
		fmt.Fprintf(out, "%-20d | %-20s | %-6d | %s\n", p.AccountHash, p.Name, count, p.GroupID)
	}
	return nil
}

func showGroup(ctx context.Context, st *store.Store, groupID string, out io.Writer) error {
	g, err := st.LoadGroupProfile(ctx, groupID)
	if err != nil {
		fmt.Fprintf(out, "Error loading group: %v\n", err)
		return err
	}
	if g.IsNone() {
		fmt.Fprintln(out, "Group not found.")
		return nil
	}
	fmt.Fprintf(out, "%s (%s), created by %d, updated %s by %d\n",
		g.Name, g.GroupID, g.CreatorAccountHash, g.LastUpdated.Format("2006-01-02 15:04:05"), g.UpdatedBy)
	for _, m := range g.Members {
		fmt.Fprintf(out, "  %-20d %-20s %s\n", m.AccountHash, m.Name, m.Color)
	}
	return nil
}

func deleteProfileInteractive(ctx context.Context, st *store.Store, scanner *bufio.Scanner, out io.Writer) {
	fmt.Fprint(out, "Enter Account to DELETE: ")
	scanner.Scan()
	account, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		fmt.Fprintln(out, "Invalid account.")
		return
	}

	fmt.Fprintf(out, "WARNING: This will wipe account %d and all of its tiles.\n", account)
	fmt.Fprint(out, "Type 'CONFIRM' to proceed: ")
	scanner.Scan()
	if strings.TrimSpace(scanner.Text()) != "CONFIRM" {
		fmt.Fprintln(out, "Deletion cancelled.")
		return
	}
	performDelete(ctx, st, account, out)
}

func performDelete(ctx context.Context, st *store.Store, account int64, out io.Writer) error {
	_, found, err := st.LoadProfile(ctx, account)
	if err != nil {
		fmt.Fprintf(out, "Error loading profile: %v\n", err)
		return err
	}
	if err := st.DeleteProfile(ctx, account); err != nil {
		fmt.Fprintf(out, "Error deleting profile: %v\n", err)
		return err
	}
	if found {
		fmt.Fprintln(out, "Profile deleted successfully.")
	} else {
		fmt.Fprintln(out, "Profile not found; stray tiles removed.")
	}
	return nil
}
