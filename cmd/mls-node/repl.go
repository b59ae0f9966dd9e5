package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmlAEQ/mlsnet/internal/node"
	"github.com/zmlAEQ/mlsnet/pkg/logger"
)

type repl struct {
	node     *node.Node
	out      io.Writer
	failFast bool
}

func newREPL(n *node.Node, out io.Writer, failFast bool) *repl {
	return &repl{node: n, out: &syncWriter{w: out}, failFast: failFast}
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

// commands builds the per-line command tree.
func (r *repl) commands(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "mls-node",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(r.out)
	root.SetErr(r.out)
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Found a new group",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			g, err := r.node.Create()
			if err != nil {
				return err
			}
			r.printf("%s %s\n", successStyle.Render("created group"), g)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "join <peer>",
		Short: "Ask a group member for admission",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			start := time.Now()
			if err := r.node.Join(ctx, args[0]); err != nil {
				return err
			}
			st := r.node.Status()
			r.printf("%s %s at epoch %d (%s)\n", successStyle.Render("joined group"), st.Group, st.Epoch, time.Since(start).Round(time.Millisecond))
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "send <message>",
		Short: "Broadcast a message to the group",
		// the rest of the line is the message, dashes included
		DisableFlagParsing: true,
		Args:               cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ds, err := r.node.Send(ctx, []byte(args[0]))
			if err != nil {
				return err
			}
			failed := 0
			for _, d := range ds {
				if d.Err != nil {
					failed++
					r.printf("%s %s: %v\n", errorStyle.Render("undelivered"), d.Peer.Short(), d.Err)
				}
			}
			r.printf("%s\n", mutedStyle.Render(fmt.Sprintf("sent to %d/%d peers", len(ds)-failed, len(ds))))
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "leave",
		Short: "Discard local group state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := r.node.Leave(); err != nil {
				return err
			}
			r.printf("%s\n", successStyle.Render("left group"))
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show session state, epoch and directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st := r.node.Status()
			r.printf("%s %s\n", mutedStyle.Render("peer   "), st.Peer)
			r.printf("%s %s\n", mutedStyle.Render("member "), st.Member)
			r.printf("%s %s\n", mutedStyle.Render("state  "), accentStyle.Render(string(st.State)))
			if st.Group != "" {
				r.printf("%s %s epoch %d, %d members\n", mutedStyle.Render("group  "), st.Group, st.Epoch, st.Members)
			}
			if st.PendingJoin != "" {
				r.printf("%s %s\n", mutedStyle.Render("joining"), st.PendingJoin)
			}
			for _, e := range st.Directory {
				addr := "unresolved"
				if e.Resolved() {
					addr = string(e.Peer)
				}
				r.printf("  %s %s\n", e.Member.Short(), mutedStyle.Render(addr))
			}
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "peers",
		Short: "List nodes heard over presence gossip",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ps := r.node.Peers()
			if len(ps) == 0 {
				r.printf("%s\n", mutedStyle.Render("no peers seen yet"))
			}
			for _, p := range ps {
				line := fmt.Sprintf("%s %s", p.Peer, p.State)
				if p.HostsGroup() {
					line += fmt.Sprintf(" epoch %d, %d members", p.Epoch, p.Members)
				}
				r.printf("%s\n", line)
			}
			return nil
		},
	})
	return root
}

// splitLine tokenizes a command line. The text after send is kept verbatim
// as a single argument.
func splitLine(line string) []string {
	line = strings.TrimLeft(line, " \t")
	args := strings.Fields(line)
	if len(args) == 0 || args[0] != "send" {
		return args
	}
	text := strings.TrimLeft(strings.TrimPrefix(line, "send"), " \t")
	if text == "" {
		return args[:1]
	}
	return []string{"send", text}
}

// exec runs one input line. Errors are printed here unless fail-fast hands
// them back to the caller to report.
func (r *repl) exec(ctx context.Context, line string) error {
	args := splitLine(line)
	if len(args) == 0 {
		return nil
	}
	cmd := r.commands(ctx)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		if !r.failFast {
			r.printf("%s %v\n", errorStyle.Render("error:"), err)
		}
		logger.WarnJ("command", map[string]any{"cmd": args[0], "result": "error", "err": err.Error()})
	}
	return err
}

// printMessages renders incoming application messages until ctx ends.
func (r *repl) printMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-r.node.Messages():
			r.printf("%s %s\n", senderStyle.Render(m.Sender.Short()+":"), string(m.Data))
		}
	}
}

// Run reads commands from in until EOF or ctx ends. With fail-fast the first
// failing command ends the loop and its error is returned.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := r.exec(ctx, line); err != nil && r.failFast {
				return fmt.Errorf("%s: %w", strings.TrimSpace(line), err)
			}
		}
	}
}
