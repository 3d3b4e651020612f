package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bamboo/internal/config"
	"github.com/nextlevelbuilder/bamboo/pkg/client"
	"github.com/nextlevelbuilder/bamboo/pkg/protocol"
)

// toolLineWidth caps tool activity lines so streamed output stays readable.
const toolLineWidth = 72

func chatCmd() *cobra.Command {
	var message string
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent over the gateway",
		Long:  "Connects to the WebSocket gateway and streams agent replies. Without -m it runs an interactive prompt; /new starts a fresh session, /quit exits.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runChat(message, sessionID); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session")
	return cmd
}

func runChat(message, sessionID string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	ctx := context.Background()
	opts := client.Options{
		URL:       "ws://" + cfg.Gateway.Bind + "/ws",
		AuthToken: os.Getenv("BAMBOO_GATEWAY_TOKEN"),
		SessionID: sessionID,
	}

	c, err := client.Dial(ctx, opts)
	if err != nil {
		return fmt.Errorf("connect to gateway at %s: %w", cfg.Gateway.Bind, err)
	}
	// c is rebound by /new, so close through the variable.
	defer func() { c.Close() }()

	if message != "" {
		return runTurn(ctx, c, message)
	}

	fmt.Printf("connected to %s (session %s)\n", cfg.Gateway.Bind, c.SessionID())
	fmt.Println("type a message, /new for a fresh session, /quit to exit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		case line == "/new":
			c.Close()
			opts.SessionID = ""
			c, err = client.Dial(ctx, opts)
			if err != nil {
				return fmt.Errorf("reconnect: %w", err)
			}
			fmt.Printf("new session %s\n", c.SessionID())
			continue
		}
		if err := runTurn(ctx, c, line); err != nil {
			var serverErr *client.ServerError
			if errors.As(err, &serverErr) {
				fmt.Fprintf(os.Stderr, "agent error: %s\n", serverErr.Message)
				continue
			}
			return err
		}
	}
}

func runTurn(ctx context.Context, c *client.Client, content string) error {
	usage, err := c.RunTurn(ctx, content, func(frame protocol.EventFrame) {
		switch frame.Type {
		case protocol.TypeAgentToken:
			fmt.Print(frame.Token)
		case protocol.TypeAgentToolStart:
			fmt.Printf("\n[tool %s]\n", frame.Tool)
		case protocol.TypeAgentToolComplete:
			result := strings.ReplaceAll(frame.Result, "\n", " ")
			fmt.Printf("[tool %s done: %s]\n", frame.Tool, runewidth.Truncate(result, toolLineWidth, "..."))
		case protocol.TypeError:
			fmt.Printf("\n[tool failed: %s]\n", frame.Message)
		}
	})
	if err != nil {
		return err
	}
	fmt.Println()
	if usage != nil {
		fmt.Printf("(%d in, %d out)\n", usage.InputTokens, usage.OutputTokens)
	}
	return nil
}
