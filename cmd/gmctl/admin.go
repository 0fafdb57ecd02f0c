package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// storeView is the subset of GET /store the CLI renders.
type storeView struct {
	Address       string                     `json:"address"`
	Key           string                     `json:"key"`
	Authority     string                     `json:"authority"`
	NextAuthority string                     `json:"next_authority"`
	Receiver      string                     `json:"receiver"`
	NextReceiver  string                     `json:"next_receiver"`
	Roles         map[string]bool            `json:"roles"`
	Members       map[string]map[string]bool `json:"members"`
}

func adminCommands() []command {
	return []command{
		{name: "members", help: "list store members and their roles", run: listMembers},
		{name: "roles", help: "list roles and whether they are enabled", run: listRoles},
		{name: "init-store", args: "<key>", nargs: 1, help: "create a store owned by the signer", run: initStore},
		{name: "init-roles", help: "enable the built-in roles", run: postOK("/store/roles")},
		{name: "transfer-store-authority", args: "<next>", nargs: 1, help: "propose a new store authority", run: transfer("/store/authority")},
		{name: "accept-store-authority", help: "accept the pending authority transfer", run: postOK("/store/authority/accept")},
		{name: "transfer-receiver", args: "<next>", nargs: 1, help: "propose a new fee receiver", run: transfer("/store/receiver")},
		{name: "accept-receiver", help: "accept the pending receiver transfer", run: postOK("/store/receiver/accept")},
		{name: "enable-role", args: "<role>", nargs: 1, help: "enable a role", run: toggleRole("enable")},
		{name: "disable-role", args: "<role>", nargs: 1, help: "disable a role", run: toggleRole("disable")},
		{name: "grant-role", args: "<member> <role>", nargs: 2, help: "grant a role to a member", run: grantRole},
		{name: "revoke-role", args: "<member> <role>", nargs: 2, help: "revoke a role from a member", run: revokeRole},
		{name: "init-callback-authority", help: "initialize the callback authority", run: initCallbackAuthority},
		{name: "update-last-restarted-slot", help: "record a restart at the current slot", run: restart},
	}
}

func initStore(ctx context.Context, c *client, w io.Writer, args []string) error {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.post(ctx, "/store", map[string]string{"key": args[0]}, &out); err != nil {
		return err
	}
	fmt.Fprintln(w, out.Address)
	return nil
}

func initCallbackAuthority(ctx context.Context, c *client, w io.Writer, _ []string) error {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.post(ctx, "/store/callback-authority", nil, &out); err != nil {
		return err
	}
	fmt.Fprintln(w, out.Address)
	return nil
}

func toggleRole(verb string) runFunc {
	return func(ctx context.Context, c *client, w io.Writer, args []string) error {
		return postOK("/store/roles/"+url.PathEscape(args[0])+"/"+verb)(ctx, c, w, nil)
	}
}

func grantRole(ctx context.Context, c *client, w io.Writer, args []string) error {
	return postOK(memberRolePath(args))(ctx, c, w, nil)
}

func revokeRole(ctx context.Context, c *client, w io.Writer, args []string) error {
	if err := c.do(ctx, http.MethodDelete, memberRolePath(args), nil, nil); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func restart(ctx context.Context, c *client, w io.Writer, _ []string) error {
	var out struct {
		Slot uint64 `json:"last_restarted_slot"`
	}
	if err := c.post(ctx, "/store/restart", nil, &out); err != nil {
		return err
	}
	fmt.Fprintf(w, "last restarted slot: %d\n", out.Slot)
	return nil
}

func memberRolePath(args []string) string {
	return "/store/members/" + url.PathEscape(args[0]) + "/roles/" + url.PathEscape(args[1])
}

func postOK(path string) runFunc {
	return func(ctx context.Context, c *client, w io.Writer, _ []string) error {
		if err := c.post(ctx, path, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(w, "ok")
		return nil
	}
}

func transfer(path string) runFunc {
	return func(ctx context.Context, c *client, w io.Writer, args []string) error {
		if err := c.post(ctx, path, map[string]string{"next": args[0]}, nil); err != nil {
			return err
		}
		fmt.Fprintln(w, "ok")
		return nil
	}
}

func fetchStore(ctx context.Context, c *client) (*storeView, error) {
	var st storeView
	if err := c.get(ctx, "/store", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func listMembers(ctx context.Context, c *client, w io.Writer, _ []string) error {
	st, err := fetchStore(ctx, c)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(st.Members)+1)
	rows = append(rows, []string{st.Authority, "(authority)"})
	for member, roles := range st.Members {
		rows = append(rows, []string{member, strings.Join(enabledKeys(roles), ", ")})
	}
	sort.Slice(rows[1:], func(i, j int) bool { return rows[i+1][0] < rows[j+1][0] })
	return renderTable(w, []string{"Member", "Roles"}, rows)
}

func listRoles(ctx context.Context, c *client, w io.Writer, _ []string) error {
	st, err := fetchStore(ctx, c)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(st.Roles))
	for role := range st.Roles {
		names = append(names, role)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, role := range names {
		rows = append(rows, []string{role, fmt.Sprint(st.Roles[role])})
	}
	return renderTable(w, []string{"Role", "Enabled"}, rows)
}

func enabledKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, on := range m {
		if on {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	t := tablewriter.NewWriter(w)
	t.Header(cells(header)...)
	for _, row := range rows {
		if err := t.Append(cells(row)...); err != nil {
			return err
		}
	}
	return t.Render()
}

func cells(row []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}
