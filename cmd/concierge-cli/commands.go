package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	a2aapi "github.com/tjfontaine/cartpilot-concierge/internal/api/a2a"
	"github.com/tjfontaine/cartpilot-concierge/internal/conversation"
	"github.com/tjfontaine/cartpilot-concierge/internal/frontdoor/chat"
)

// ChatCommand returns the interactive chat command.
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Start or resume a conversation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "conversation",
				Aliases: []string{"c"},
				Usage:   "Resume an existing conversation by id",
			},
		},
		Action: runChat,
	}
}

// ListCommand returns the command that lists stored conversations.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List stored conversations",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum conversations to list"},
		},
		Action: runList,
	}
}

// CardCommand returns the command that prints the agent card.
func CardCommand() *cli.Command {
	return &cli.Command{
		Name:   "card",
		Usage:  "Show the shopping agent's card",
		Action: runCard,
	}
}

func runChat(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	api := newClient(c.String("server"))

	var conv chat.ConversationResponse
	if id := c.String("conversation"); id != "" {
		if err := api.do(ctx, http.MethodGet, "/v1/conversations/"+id, nil, &conv); err != nil {
			return fmt.Errorf("failed to resume conversation: %w", err)
		}
	} else if err := api.do(ctx, http.MethodPost, "/v1/conversations", nil, &conv); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	conn, err := api.dial(ctx, conv.ID)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	frames := make(chan chat.ServerFrame)
	go func() {
		defer close(frames)
		for {
			var f chat.ServerFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := c.App.Writer
	fmt.Fprintf(out, "Conversation %s. Type /image <path> [text] to attach a picture, /quit to leave.\n", conv.ID)
	printed := printNew(out, conv.Messages, 0)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		in, err := parseInput(line)
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		switch {
		case in.quit:
			return nil
		case in.empty():
			continue
		}

		req, err := in.request()
		if err != nil {
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		if err := conn.WriteJSON(chat.ClientFrame{Type: chat.FrameMessage, MessageRequest: req}); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		n, err := awaitTurn(ctx, out, frames, printed)
		if err != nil {
			if errors.Is(err, errDisconnected) {
				return err
			}
			fmt.Fprintf(out, "%v\n", err)
			continue
		}
		printed = n
	}
}

var errDisconnected = errors.New("connection closed by server")

// awaitTurn consumes snapshots until the submitted turn settles and returns
// the number of transcript messages printed so far.
func awaitTurn(ctx context.Context, out io.Writer, frames <-chan chat.ServerFrame, printed int) (int, error) {
	var progress string
	for {
		select {
		case <-ctx.Done():
			return printed, ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return printed, errDisconnected
			}
			if f.Type == chat.FrameError && f.Error != nil {
				return printed, f.Error
			}
			if f.Snapshot == nil {
				continue
			}
			if f.Snapshot.Busy {
				if f.Snapshot.Progress != "" && f.Snapshot.Progress != progress {
					progress = f.Snapshot.Progress
					fmt.Fprintf(out, "  ... %s\n", progress)
				}
				continue
			}
			if settled(f.Snapshot, printed) {
				return printNew(out, f.Snapshot.Messages, printed), nil
			}
		}
	}
}

// settled reports whether snap shows a finished turn beyond the printed prefix.
func settled(snap *conversation.Snapshot, printed int) bool {
	return !snap.Busy && len(snap.Messages) > printed
}

type input struct {
	text      string
	imagePath string
	quit      bool
}

func (in input) empty() bool {
	return in.text == "" && in.imagePath == ""
}

func parseInput(line string) (input, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "/quit" || line == "/exit":
		return input{quit: true}, nil
	case strings.HasPrefix(line, "/image"):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/image"))
		if rest == "" {
			return input{}, errors.New("usage: /image <path> [text]")
		}
		path, text, _ := strings.Cut(rest, " ")
		return input{imagePath: path, text: strings.TrimSpace(text)}, nil
	case strings.HasPrefix(line, "/"):
		return input{}, fmt.Errorf("unknown command %s", strings.Fields(line)[0])
	}
	return input{text: line}, nil
}

func (in input) request() (chat.MessageRequest, error) {
	req := chat.MessageRequest{Text: in.text}
	if in.imagePath == "" {
		return req, nil
	}
	data, err := os.ReadFile(in.imagePath)
	if err != nil {
		return req, fmt.Errorf("failed to read image: %w", err)
	}
	req.Image = &chat.ImagePayload{
		Name:     filepath.Base(in.imagePath),
		MimeType: http.DetectContentType(data),
		Data:     base64.StdEncoding.EncodeToString(data),
	}
	return req, nil
}

func runList(c *cli.Context) error {
	api := newClient(c.String("server"))

	var list struct {
		Data []struct {
			ID        string `json:"id"`
			CreatedAt int64  `json:"created_at"`
			UpdatedAt int64  `json:"updated_at"`
		} `json:"data"`
	}
	if err := api.do(c.Context, http.MethodGet, fmt.Sprintf("/v1/conversations?limit=%d", c.Int("limit")), nil, &list); err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	if len(list.Data) == 0 {
		fmt.Fprintln(c.App.Writer, "No conversations.")
		return nil
	}
	for _, item := range list.Data {
		fmt.Fprintf(c.App.Writer, "%s\tupdated %s\n", item.ID, formatUnix(item.UpdatedAt))
	}
	return nil
}

func runCard(c *cli.Context) error {
	api := newClient(c.String("server"))

	var card a2aapi.AgentCard
	if err := api.do(c.Context, http.MethodGet, "/v1/agent", nil, &card); err != nil {
		return fmt.Errorf("failed to fetch agent card: %w", err)
	}

	out := c.App.Writer
	fmt.Fprintf(out, "%s (%s)\n", card.Name, card.Version)
	if card.Description != "" {
		fmt.Fprintln(out, card.Description)
	}
	for _, s := range card.Skills {
		fmt.Fprintf(out, "  - %s: %s\n", s.Name, s.Description)
	}
	return nil
}
