package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/registry"
)

func inspectCommands() []command {
	return []command{
		{name: "address", args: "[-program ID] <kind> <seeds...>", nargs: -1, help: "derive a program address locally", run: inspectAddress},
		{name: "store", help: "show the store authority, receiver and pending transfers", run: inspectStore},
		{name: "account", args: "<address>", nargs: 1, help: "decode any persisted account", run: inspectAccount},
		{name: "events", args: "[-action A] [-market M] [-limit N]", nargs: -1, help: "list journal events, newest first", run: inspectEvents},
		{name: "tld", args: "<owner>", nargs: 1, help: "dump the token ledger of an owner", run: inspectLedger},
		{name: "markets", help: "list markets and their pools", run: inspectMarkets},
		{name: "positions", args: "[-owner PUBKEY]", nargs: -1, help: "list open positions", run: inspectPositions},
		{name: "actions", help: "list pending requests", run: inspectActions},
		{name: "liquidations", help: "list positions that can be liquidated now", run: inspectLiquidations},
	}
}

// addressKinds maps an address kind to its seed names.
var addressKinds = map[string][]string{
	"store":        {"key"},
	"market-token": {"store", "index", "long", "short"},
	"market":       {"store", "market-token"},
	"vault":        {"store", "mint"},
	"position":     {"store", "owner", "market-token", "collateral", "long|short"},
	"ata":          {"owner", "mint"},
}

func inspectAddress(_ context.Context, _ *client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	program := fs.String("program", registry.DefaultProgramID.String(), "program id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := deriveAddress(*program, fs.Args())
	if err != nil {
		return err
	}
	fmt.Fprintln(w, addr)
	return nil
}

func deriveAddress(program string, args []string) (solana.PublicKey, error) {
	if len(args) == 0 {
		return solana.PublicKey{}, fmt.Errorf("address kind required: store, market-token, market, vault, position or ata")
	}
	kind, seeds := args[0], args[1:]
	names, ok := addressKinds[kind]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("unknown address kind %q", kind)
	}
	if len(seeds) != len(names) {
		return solana.PublicKey{}, fmt.Errorf("%s needs %d seeds: %v", kind, len(names), names)
	}
	programID, err := solana.PublicKeyFromBase58(program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("program: %w", err)
	}
	if kind == "store" {
		pk, _, err := registry.DeriveStorePDA(programID, seeds[0])
		return pk, err
	}

	// Every remaining seed is a key, except the position side.
	keys := make([]solana.PublicKey, 0, len(seeds))
	for i, raw := range seeds {
		if names[i] == "long|short" {
			continue
		}
		pk, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("%s: %w", names[i], err)
		}
		keys = append(keys, pk)
	}

	var pk solana.PublicKey
	switch kind {
	case "market-token":
		pk, _, err = registry.DeriveMarketTokenPDA(programID, keys[0], keys[1], keys[2], keys[3])
	case "market":
		pk, _, err = registry.DeriveMarketPDA(programID, keys[0], keys[1])
	case "vault":
		pk, _, err = registry.DeriveVaultPDA(programID, keys[0], keys[1])
	case "position":
		var isLong bool
		switch seeds[4] {
		case "long":
			isLong = true
		case "short":
		default:
			return solana.PublicKey{}, fmt.Errorf("side must be long or short, got %q", seeds[4])
		}
		pk, _, err = registry.DerivePositionPDA(programID, keys[0], keys[1], keys[2], keys[3], isLong)
	case "ata":
		pk, err = registry.AssociatedTokenAddress(keys[0], keys[1])
	}
	return pk, err
}

func inspectStore(ctx context.Context, c *client, w io.Writer, _ []string) error {
	st, err := fetchStore(ctx, c)
	if err != nil {
		return err
	}
	return renderTable(w, []string{"Field", "Value"}, [][]string{
		{"address", st.Address},
		{"key", st.Key},
		{"authority", st.Authority},
		{"next authority", st.NextAuthority},
		{"receiver", st.Receiver},
		{"next receiver", st.NextReceiver},
	})
}

func inspectAccount(ctx context.Context, c *client, w io.Writer, args []string) error {
	var view json.RawMessage
	if err := c.get(ctx, "/accounts/"+url.PathEscape(args[0]), nil, &view); err != nil {
		return err
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func inspectEvents(ctx context.Context, c *client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	actionAddr := fs.String("action", "", "only events of this action address")
	marketToken := fs.String("market", "", "only events of this market token")
	limit := fs.Int("limit", 50, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if *actionAddr != "" {
		q.Set("action", *actionAddr)
	}
	if *marketToken != "" {
		q.Set("market", *marketToken)
	}
	var events []model.Event
	if err := c.get(ctx, "/events", q, &events); err != nil {
		return err
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{e.CreatedAt.Format(time.RFC3339), e.Kind, e.Action, e.Market, e.Owner})
	}
	return renderTable(w, []string{"Time", "Event", "Action", "Market", "Owner"}, rows)
}

type ledgerView struct {
	Owner    string `json:"owner"`
	Lamports uint64 `json:"lamports"`
	Tokens   []struct {
		Address string          `json:"address"`
		Mint    string          `json:"mint"`
		Amount  decimal.Decimal `json:"amount"`
	} `json:"tokens"`
}

func inspectLedger(ctx context.Context, c *client, w io.Writer, args []string) error {
	var led ledgerView
	if err := c.get(ctx, "/accounts/"+url.PathEscape(args[0])+"/balances", nil, &led); err != nil {
		return err
	}
	rows := [][]string{{"SOL", "", decimal.New(int64(led.Lamports), -9).String()}}
	for _, t := range led.Tokens {
		rows = append(rows, []string{t.Mint, t.Address, t.Amount.String()})
	}
	return renderTable(w, []string{"Mint", "Token Account", "Amount"}, rows)
}

func inspectMarkets(ctx context.Context, c *client, w io.Writer, _ []string) error {
	var markets []model.MarketSummary
	if err := c.get(ctx, "/markets", nil, &markets); err != nil {
		return err
	}
	rows := make([][]string, 0, len(markets))
	for _, m := range markets {
		rows = append(rows, []string{
			m.Name, m.MarketToken, strconv.FormatBool(m.Enabled),
			m.LongAmount.String(), m.ShortAmount.String(),
			m.LongOI.String(), m.ShortOI.String(), m.Supply.String(),
		})
	}
	return renderTable(w, []string{"Name", "Market Token", "Enabled", "Long Pool", "Short Pool", "Long OI", "Short OI", "Supply"}, rows)
}

func inspectPositions(ctx context.Context, c *client, w io.Writer, args []string) error {
	fs := flag.NewFlagSet("positions", flag.ContinueOnError)
	owner := fs.String("owner", "", "only positions of this owner")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var q url.Values
	if *owner != "" {
		q = url.Values{"owner": {*owner}}
	}
	var positions []model.PositionSummary
	if err := c.get(ctx, "/positions", q, &positions); err != nil {
		return err
	}
	rows := make([][]string, 0, len(positions))
	for _, p := range positions {
		rows = append(rows, []string{
			p.Address, p.Owner, p.MarketToken, p.Side,
			p.SizeUSD.String(), p.SizeInTokens.String(), p.CollateralAmount.String(),
		})
	}
	return renderTable(w, []string{"Position", "Owner", "Market", "Side", "Size USD", "Size Tokens", "Collateral"}, rows)
}

func inspectActions(ctx context.Context, c *client, w io.Writer, _ []string) error {
	var actions []model.ActionSummary
	if err := c.get(ctx, "/actions", nil, &actions); err != nil {
		return err
	}
	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []string{
			a.Kind, a.Address, a.Owner, a.Market,
			a.CreatedAt.Format(time.RFC3339), strconv.FormatBool(a.Expired),
		})
	}
	return renderTable(w, []string{"Kind", "Address", "Owner", "Market", "Created", "Expired"}, rows)
}

func inspectLiquidations(ctx context.Context, c *client, w io.Writer, _ []string) error {
	var out []struct {
		Position string `json:"position"`
		Owner    string `json:"owner"`
		Market   string `json:"market"`
		Reason   string `json:"reason"`
	}
	if err := c.get(ctx, "/liquidations", nil, &out); err != nil {
		return err
	}
	rows := make([][]string, 0, len(out))
	for _, l := range out {
		rows = append(rows, []string{l.Position, l.Owner, l.Market, l.Reason})
	}
	return renderTable(w, []string{"Position", "Owner", "Market", "Reason"}, rows)
}
