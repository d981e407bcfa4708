package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentloop/core"
)

var chatConversationID string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatConversationID, "conversation", "", "conversation id to resume (empty starts a new one)")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent interactively",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	conv, err := a.loop.Conversation(ctx, chatConversationID)
	if err != nil {
		return err
	}
	a.logger.Info("agentloop.chat.started", "version", version, "conversation_id", conv.ID(), "state", string(conv.State()))
	fmt.Printf("conversation %s (%s). Type /help for commands.\n", conv.ID(), conv.State())

	from, err := conv.LatestSequence(ctx)
	if err != nil {
		return err
	}
	go func() {
		_, _ = conv.Follow(ctx, from+1, 100*time.Millisecond, func(ev core.Event) error {
			printEvent(ev)
			return nil
		})
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			lines <- in.Text()
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
			if quit := handle(ctx, conv, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// conversation is the part of conversation.Conversation the chat drives.
type conversation interface {
	SendMessage(ctx context.Context, content string) (int64, error)
	Run(ctx context.Context) error
	Pause()
	Cancel()
	Confirm(ctx context.Context) error
	Reject(ctx context.Context, reason string) error
	SetConfirmationMode(ctx context.Context, on bool) error
	State() core.State
	Iterations() int
}

const help = `commands:
  <text>               send a message and run
  /run                 run (resume) the conversation
  /pause               pause at the next step boundary
  /cancel              cancel a paused or pending run
  /confirm             execute pending actions
  /reject [reason]     reject pending actions
  /confirmation on|off toggle confirmation mode
  /status              show state and iteration count
  /quit                exit`

// handle executes one input line. It reports whether the chat should end.
func handle(ctx context.Context, conv conversation, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(help)
	case "/run":
		go runAsync(ctx, conv)
	case "/pause":
		conv.Pause()
	case "/cancel":
		conv.Cancel()
	case "/confirm":
		go func() { report(conv.Confirm(ctx)) }()
	case "/reject":
		err = conv.Reject(ctx, strings.TrimSpace(arg))
	case "/confirmation":
		err = conv.SetConfirmationMode(ctx, strings.TrimSpace(arg) == "on")
	case "/status":
		fmt.Printf("state=%s iterations=%d\n", conv.State(), conv.Iterations())
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Println("unknown command; /help lists commands")
			return false
		}
		if _, err = conv.SendMessage(ctx, line); err == nil {
			go runAsync(ctx, conv)
		}
	}
	report(err)
	return false
}

func runAsync(ctx context.Context, conv conversation) {
	report(conv.Run(ctx))
}

func report(err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Printf("error: %v\n", err)
	}
}

func printEvent(ev core.Event) {
	switch p := ev.Payload.(type) {
	case core.MessagePayload:
		if ev.Source == core.SourceUser {
			return
		}
		if r := p.Reasoning(); r != "" {
			fmt.Printf("  (thinking) %s\n", r)
		}
		fmt.Printf("agent> %s\n", p.Text())
	case core.ActionPayload, core.ObservationPayload, core.ErrorPayload, core.SystemPayload:
		fmt.Printf("  %s\n", summarize(ev))
	}
}

// summarize renders one event on a single line.
func summarize(ev core.Event) string {
	switch p := ev.Payload.(type) {
	case core.MessagePayload:
		return truncate(p.Text(), 80)
	case core.ActionPayload:
		return fmt.Sprintf("-> %s %s", p.ToolName, truncate(p.Arguments, 60))
	case core.ObservationPayload:
		status := "ok"
		if p.Rejected {
			status = "rejected"
		} else if !p.Success {
			status = "failed"
		}
		return fmt.Sprintf("<- [%s] %s", status, truncate(p.Result, 60))
	case core.ErrorPayload:
		return fmt.Sprintf("!! %s: %s", p.ErrorKind, p.Message)
	case core.SystemPayload:
		return strings.TrimSpace(fmt.Sprintf("** %s %s", p.Notice, p.Detail))
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
