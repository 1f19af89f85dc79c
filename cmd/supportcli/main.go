package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/support-chat/internal/chat"
	"github.com/whisper/support-chat/internal/config"
	"github.com/whisper/support-chat/internal/msgstore"
	"github.com/whisper/support-chat/internal/supportchat"
)

const help = `commands:
  /start                  request a support conversation (end users)
  /accept <id>            claim a pending conversation (operators)
  /open <id>              focus a conversation and load its history
  /older                  load the previous page
  /read                   mark the active conversation as read
  /reassign <id> <op>     move a conversation to another operator
  /clear <id>             purge a conversation's messages
  /close                  close the active conversation
  /retry                  reconnect after the link gave up
  /state                  print the current state
  anything else           sent as a message`

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	wsURL := flag.String("ws", cfg.WebSocketURL, "chat server WebSocket URL")
	apiURL := flag.String("api", cfg.HistoryURL, "History API base URL")
	id := flag.String("id", cfg.ParticipantID, "participant id")
	role := flag.String("role", cfg.Role, "participant role: END_USER, OPERATOR or ADMIN")
	flag.Parse()

	p := chat.Participant{ID: *id, Role: chat.Role(strings.ToUpper(*role))}
	if p.ID == "" || !p.Role.Valid() {
		log.Fatalf("a participant id and a valid role are required")
	}
	cfg.WebSocketURL = *wsURL
	cfg.HistoryURL = *apiURL

	clientCfg := supportchat.DefaultConfig(p)
	clientCfg.Transport = cfg.Transport()
	clientCfg.HistoryURL = cfg.HistoryURL
	clientCfg.RequestTimeout = cfg.RequestTimeout
	client := supportchat.New(clientCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Open(ctx); err != nil {
		log.Fatalf("open: %v", err)
	}
	defer client.Close()

	fmt.Printf("connected as %s (%s) to %s\n%s\n", p.ID, p.Role, cfg.WebSocketURL, help)
	go printUpdates(ctx, client)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := run(ctx, client, strings.TrimSpace(line), cfg.RequestTimeout); err != nil {
				report(err)
			}
		}
	}
}

func run(ctx context.Context, c *supportchat.Client, line string, timeout time.Duration) error {
	if line == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		return c.SendMessage("", line)
	}
	args := strings.Fields(line)
	switch args[0] {
	case "/start":
		return c.StartChat()
	case "/accept":
		if len(args) != 2 {
			return errors.New("usage: /accept <id>")
		}
		requestID, err := c.AcceptChat(args[1])
		if err == nil {
			fmt.Printf("accept requested (%s)\n", requestID)
		}
		return err
	case "/open":
		if len(args) > 2 {
			return errors.New("usage: /open [id]")
		}
		var id string
		if len(args) == 2 {
			id = args[1]
		}
		if err := c.OpenConversation(ctx, id); err != nil {
			return err
		}
		printMessages(c.Snapshot())
		return nil
	case "/older":
		loaded, err := c.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if !loaded {
			fmt.Println("no older messages")
			return nil
		}
		printMessages(c.Snapshot())
		return nil
	case "/read":
		return c.MarkMessagesAsRead(ctx, "")
	case "/reassign":
		if len(args) != 3 {
			return errors.New("usage: /reassign <id> <operator>")
		}
		return c.ReassignManager(ctx, args[1], args[2])
	case "/clear":
		if len(args) != 2 {
			return errors.New("usage: /clear <id>")
		}
		return c.ClearConversation(ctx, args[1])
	case "/close":
		return c.CloseChat("")
	case "/retry":
		return c.Retry()
	case "/state":
		printState(c.Snapshot())
		return nil
	case "/help":
		fmt.Println(help)
		return nil
	}
	return fmt.Errorf("unknown command %s", args[0])
}

func report(err error) {
	switch {
	case errors.Is(err, msgstore.ErrLoadInFlight):
		fmt.Println("… history is already loading")
	case supportchat.IsTransient(err):
		fmt.Printf("… %v (will recover)\n", err)
	default:
		fmt.Printf("! %v\n", err)
	}
}

func printUpdates(ctx context.Context, c *supportchat.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.Updates():
			s := c.Snapshot()
			switch u.Kind {
			case supportchat.UpdateConnection:
				fmt.Printf("[link] %s\n", s.ConnectionState)
			case supportchat.UpdateSession:
				printState(s)
			case supportchat.UpdateConversations:
				for _, conv := range s.Conversations {
					fmt.Printf("[conv] %s %s user=%s operator=%s\n", conv.ID, conv.Status, conv.EndUserID, conv.OperatorID)
				}
			case supportchat.UpdateMessages:
				if s.ActiveConversation != nil && u.ConversationID == s.ActiveConversation.ID && len(s.Messages) > 0 {
					printMessage(s.Messages[len(s.Messages)-1])
				}
			case supportchat.UpdateUnread:
				if n := s.Unread[u.ConversationID]; n > 0 {
					fmt.Printf("[unread] %s: %d\n", u.ConversationID, n)
				}
			case supportchat.UpdateRejected:
				report(u.Err)
			case supportchat.UpdateFailure:
				fmt.Printf("! link lost: %v (type /retry)\n", u.Err)
			}
		}
	}
}

func printState(s supportchat.Snapshot) {
	fmt.Printf("[state] link=%s", s.ConnectionState)
	if !s.Participant.Role.IsStaff() {
		fmt.Printf(" session=%s", s.SessionState)
	}
	if s.ActiveConversation != nil {
		fmt.Printf(" conversation=%s status=%s operator=%s", s.ActiveConversation.ID, s.ActiveConversation.Status, s.ActiveConversation.OperatorID)
	}
	if s.Failure != nil {
		fmt.Printf(" failure=%v", s.Failure)
	}
	fmt.Println()
}

func printMessages(s supportchat.Snapshot) {
	for _, day := range msgstore.GroupByDay(s.Messages, time.Local) {
		fmt.Printf("--- %s ---\n", day.Day.Format("Mon 02 Jan 2006"))
		for _, m := range day.Messages {
			printMessage(m)
		}
	}
	if s.HasMore {
		fmt.Println("(/older for more)")
	}
}

func printMessage(m chat.Message) {
	mark := ""
	if m.IsPending() {
		mark = " …"
	}
	fmt.Printf("%s %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Body, mark)
}
