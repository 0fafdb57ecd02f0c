// Command gmctl administers and inspects a running perp-server.
//
//	gmctl [-server URL] [-signer PUBKEY] admin  <command> [args]
//	gmctl [-server URL] [-signer PUBKEY] inspect <command> [args]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/atmx/perp-engine/internal/config"
)

var errUsage = errors.New("usage")

type runFunc func(ctx context.Context, c *client, w io.Writer, args []string) error

// command is one subcommand. nargs is the exact positional count, or -1
// when the command parses its own flags.
type command struct {
	name  string
	args  string
	help  string
	nargs int
	run   runFunc
}

func groups() map[string][]command {
	return map[string][]command{"admin": adminCommands(), "inspect": inspectCommands()}
}

func lookup(cmds []command, name string) (command, bool) {
	for _, c := range cmds {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "gmctl:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("gmctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	server := fs.String("server", cfg.ServerURL, "perp-server base URL")
	signerKey := fs.String("signer", cfg.Signer, "public key sent as the request signer")
	timeout := fs.Duration("timeout", cfg.Timeout, "HTTP request timeout")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		usage(stderr)
		return errUsage
	}
	cmds, ok := groups()[rest[0]]
	if !ok {
		usage(stderr)
		return fmt.Errorf("unknown command group %q", rest[0])
	}
	cmd, ok := lookup(cmds, rest[1])
	if !ok {
		return fmt.Errorf("unknown %s command %q", rest[0], rest[1])
	}
	cmdArgs := rest[2:]
	if cmd.nargs >= 0 && len(cmdArgs) != cmd.nargs {
		return fmt.Errorf("usage: gmctl %s %s %s", rest[0], rest[1], cmd.args)
	}

	c := newClient(strings.TrimRight(*server, "/"), *signerKey, *timeout)
	return cmd.run(ctx, c, stdout, cmdArgs)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: gmctl [-server URL] [-signer PUBKEY] [-timeout D] <admin|inspect> <command> [args]")
	all := groups()
	for _, name := range []string{"admin", "inspect"} {
		fmt.Fprintf(w, "\n%s commands:\n", name)
		for _, c := range all[name] {
			fmt.Fprintf(w, "  %-40s %s\n", strings.TrimSpace(c.name+" "+c.args), c.help)
		}
	}
}
