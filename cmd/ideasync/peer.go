package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ideasync/internal/collab"
	"ideasync/internal/di"
	"ideasync/internal/document"
	"ideasync/internal/presence"
	"ideasync/internal/store"
	apperrors "ideasync/pkg/errors"
)

type peerFlags struct {
	relayURL string
	ideaID   string
	userID   string
	userName string
	token    string
	seed     bool
	save     bool
}

func newPeerCmd(flags *globalFlags) *cobra.Command {
	pf := &peerFlags{}

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join an idea room and edit it from the terminal",
		Long: `Join an idea room as a headless collaborator.

Every line read from stdin is appended to the document as a block:
"# " and "## " start headings, "- " bullets, "> " quotes. Commands:

  /show            print the document
  /who             list collaborators in the room
  /edit N TEXT     replace the text of block N
  /del N           delete block N
  /save            save the document to the idea store
  /quit            leave the room`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(cmd, flags, pf)
		},
	}
	cmd.Flags().StringVar(&pf.relayURL, "relay-url", "", "relay to connect to (overrides session.relay_url)")
	cmd.Flags().StringVar(&pf.ideaID, "idea", "", "idea to edit")
	cmd.Flags().StringVar(&pf.userID, "user-id", "", "collaborator id")
	cmd.Flags().StringVar(&pf.userName, "user-name", "", "display name shown to other collaborators")
	cmd.Flags().StringVar(&pf.token, "token", os.Getenv("IDEASYNC_TOKEN"), "bearer token presented to the relay")
	cmd.Flags().BoolVar(&pf.seed, "seed", false, "seed an empty room from the idea store")
	cmd.Flags().BoolVar(&pf.save, "save", false, "save the document to the idea store on exit")
	_ = cmd.MarkFlagRequired("idea")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runPeer(cmd *cobra.Command, flags *globalFlags, pf *peerFlags) error {
	cfg, logger, _, err := bootstrap(flags)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if pf.relayURL != "" {
		cfg.Session.RelayURL = pf.relayURL
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, cleanup, err := di.InitializePeer(ctx, cfg, logger, collab.WebsocketDialer{
		Token:     pf.token,
		WriteWait: cfg.Relay.WriteWait,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := p.Manager.Open(ctx, pf.ideaID, presence.User{ID: pf.userID, Name: pf.userName})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	s.OnStatusChange(func(status collab.Status) {
		fmt.Fprintf(out, "* %s\n", status)
	})
	s.OnRemoteChange(func(blocks []document.Block) {
		fmt.Fprintf(out, "--- %s ---\n%s\n", pf.ideaID, document.RenderText(blocks))
	})
	s.OnPresenceChange(func(entries []presence.Entry) {
		fmt.Fprintf(out, "* here: %s\n", strings.Join(names(entries), ", "))
	})

	if pf.seed {
		if err := seed(ctx, s, p.Store, pf.ideaID, cfg.Store.Timeout+cfg.Session.ConnectTimeout); err != nil {
			logger.Warn("Seeding skipped", zap.String("ideaID", pf.ideaID), zap.Error(err))
		}
	}

	ed := &editor{session: s, ideas: p.Store, ideaID: pf.ideaID, out: out, timeout: cfg.Store.Timeout}
	err = ed.run(ctx, cmd.InOrStdin())

	if pf.save {
		if saveErr := ed.saveNow(); saveErr != nil {
			logger.Error("Save on exit failed", zap.String("ideaID", pf.ideaID), zap.Error(saveErr))
			if err == nil {
				err = saveErr
			}
		}
	}
	return err
}

// seed loads the stored content and hands it to the room if nobody has yet.
func seed(ctx context.Context, s *collab.Session, ideas store.IdeaStore, ideaID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := ideas.LoadContent(ctx, ideaID)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	_, err = s.SeedIfEmpty(ctx, content)
	return err
}

func names(entries []presence.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// editor turns terminal lines into document edits.
type editor struct {
	session *collab.Session
	ideas   store.IdeaStore
	ideaID  string
	out     io.Writer
	timeout time.Duration
}

func (e *editor) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := e.handle(line)
			if err != nil {
				fmt.Fprintf(e.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (e *editor) handle(line string) (bool, error) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return false, nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true, nil
	case "/show":
		fmt.Fprintln(e.out, document.RenderText(e.session.Blocks()))
		return false, nil
	case "/who":
		fmt.Fprintln(e.out, strings.Join(names(e.session.Presence().Collaborators()), ", "))
		return false, nil
	case "/save":
		if err := e.saveNow(); err != nil {
			return false, err
		}
		fmt.Fprintln(e.out, "* saved")
		return false, nil
	case "/edit":
		num, text, _ := strings.Cut(rest, " ")
		return false, e.edit(num, func(blocks []document.Block, i int) []document.Block {
			next := parseLine(text)
			next.ID = blocks[i].ID
			blocks[i] = next
			return blocks
		})
	case "/del":
		return false, e.edit(rest, func(blocks []document.Block, i int) []document.Block {
			return append(blocks[:i], blocks[i+1:]...)
		})
	}
	if strings.HasPrefix(cmd, "/") {
		return false, fmt.Errorf("unknown command %s", cmd)
	}

	base := e.session.Blocks()
	next := append(append([]document.Block(nil), base...), parseLine(line))
	if err := e.session.ApplyLocalChange(base, next); err != nil {
		return false, err
	}
	e.moveCursor()
	return false, nil
}

// edit applies change to a copy of the current blocks; the blocks as read
// are the base of the change.
func (e *editor) edit(num string, change func([]document.Block, int) []document.Block) error {
	base := e.session.Blocks()
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n < 1 || n > len(base) {
		return fmt.Errorf("no block %q, the document has %d", num, len(base))
	}
	next := change(append([]document.Block(nil), base...), n-1)
	if err := e.session.ApplyLocalChange(base, next); err != nil {
		return err
	}
	e.moveCursor()
	return nil
}

// moveCursor puts the local caret at the end of the last block.
func (e *editor) moveCursor() {
	blocks := e.session.Blocks()
	if len(blocks) == 0 {
		return
	}
	last := blocks[len(blocks)-1]
	e.session.SetCursor(presence.Cursor{Block: last.ID, Offset: len([]rune(last.Content))}, nil)
}

func (e *editor) saveNow() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	return e.ideas.SaveContent(ctx, e.ideaID, e.session.Content())
}

// parseLine reads the markdown-like prefix of a terminal line as a block.
func parseLine(line string) document.Block {
	switch {
	case strings.HasPrefix(line, "### "):
		return document.Heading(3, line[4:])
	case strings.HasPrefix(line, "## "):
		return document.Heading(2, line[3:])
	case strings.HasPrefix(line, "# "):
		return document.Heading(1, line[2:])
	case strings.HasPrefix(line, "- [x] "), strings.HasPrefix(line, "- [ ] "):
		checked := strconv.FormatBool(line[3] == 'x')
		return document.Block{Type: document.BlockCheckListItem, Content: line[6:], Attrs: map[string]string{"checked": checked}}
	case strings.HasPrefix(line, "- "):
		return document.Block{Type: document.BlockBulletListItem, Content: line[2:]}
	case strings.HasPrefix(line, "> "):
		return document.Block{Type: document.BlockQuote, Content: line[2:]}
	default:
		return document.Paragraph(line)
	}
}
