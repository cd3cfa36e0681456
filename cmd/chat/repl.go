package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/chat/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chat/internal/session"
)

const replHelp = "commands: /restart starts a new session, /end closes the current one, /quit exits"

func newREPLCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Chat line by line on the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd.Context(), opts.newStore(), opts.profile(), os.Stdin, cmd.OutOrStdout())
		},
	}
}

// transcriptPrinter writes each message once. Message IDs only grow, so the
// greeting of a restarted session is printed as new.
type transcriptPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	lastID int64
}

func (p *transcriptPrinter) update(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range st.Transcript {
		if msg.ID <= p.lastID {
			continue
		}
		p.lastID = msg.ID
		if msg.Sender == chat.SenderUser {
			continue
		}
		fmt.Fprintf(p.out, "bot> %s\n", msg.Text)
	}
}

func runREPL(ctx context.Context, store *session.Store, profile *chat.UserProfile, in io.Reader, out io.Writer) error {
	printer := &transcriptPrinter{out: out}
	unsubscribe := store.Subscribe(printer.update)
	defer unsubscribe()

	start := func() {
		if err := store.StartSession(ctx, profile == nil, profile); err != nil {
			fmt.Fprintf(out, "! %s\n", store.ConnectionError())
		}
	}

	fmt.Fprintln(out, replHelp)
	start()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			endSession(ctx, store, out)
			return nil
		case "/end":
			endSession(ctx, store, out)
			continue
		case "/restart":
			start()
			continue
		}

		if !store.SendMessage(ctx, line) {
			fmt.Fprintln(out, "! message not sent, use /restart to begin a new session")
			continue
		}
		if store.IsConcluded() {
			fmt.Fprintln(out, "-- conversation concluded")
		}
	}
	return scanner.Err()
}

func endSession(ctx context.Context, store *session.Store, out io.Writer) {
	if !store.Started() {
		return
	}
	if err := <-store.EndSession(ctx); err != nil {
		log.Debug().Err(err).Msg("end session failed")
		return
	}
	fmt.Fprintln(out, "-- session closed")
}
