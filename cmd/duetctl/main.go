package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/matheus3301/duet/internal/api"
	"github.com/matheus3301/duet/internal/client"
	"github.com/matheus3301/duet/internal/protocol"
	"github.com/matheus3301/duet/internal/reconcile"
)

func main() {
	serverFlag := flag.String("server", "http://localhost:3001", "server base URL")
	userFlag := flag.String("user", os.Getenv("DUET_USER"), "acting user id (default $DUET_USER)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	rest := client.NewREST(*serverFlag)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "health":
		cmdHealth(ctx, rest, *jsonFlag)
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: duetctl login <id> [name] [email]")
			os.Exit(1)
		}
		cmdLogin(ctx, rest, args[1:], *jsonFlag)
	case "contacts":
		cmdContacts(ctx, rest, requireUser(*userFlag), *jsonFlag)
	case "threads":
		cmdThreads(ctx, rest, requireUser(*userFlag), *jsonFlag)
	case "history":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: duetctl history <contact>")
			os.Exit(1)
		}
		cmdHistory(ctx, rest, requireUser(*userFlag), args[1], *jsonFlag)
	case "chat":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: duetctl chat <contact>")
			os.Exit(1)
		}
		cancel()
		cmdChat(rest, *serverFlag, requireUser(*userFlag), args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: duetctl [--server <url>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  health                     Show server health")
	fmt.Fprintln(os.Stderr, "  login <id> [name] [email]  Create or update a user")
	fmt.Fprintln(os.Stderr, "  contacts                   List other users")
	fmt.Fprintln(os.Stderr, "  threads                    List recent threads")
	fmt.Fprintln(os.Stderr, "  history <contact>          Show the thread with a contact")
	fmt.Fprintln(os.Stderr, "  chat <contact>             Chat interactively; /file <path> sends a file")
}

func requireUser(id string) string {
	if id == "" {
		fmt.Fprintln(os.Stderr, "error: --user or $DUET_USER is required")
		os.Exit(1)
	}
	return id
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdHealth(ctx context.Context, rest *client.REST, jsonOut bool) {
	h, err := rest.Health(ctx)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(h)
		return
	}
	fmt.Printf("Status:   %s\n", h.Message)
	fmt.Printf("Uptime:   %dms\n", h.UptimeMs)
	fmt.Printf("Online:   %d users, %d connections\n", h.Online, h.Connections)
	fmt.Printf("Stored:   %d users, %d threads, %d messages\n", h.Users, h.Threads, h.Messages)
}

func cmdLogin(ctx context.Context, rest *client.REST, args []string, jsonOut bool) {
	req := api.UpsertUserRequest{ID: args[0]}
	if len(args) > 1 {
		req.Name = args[1]
	}
	if len(args) > 2 {
		req.Email = args[2]
	}
	u, err := rest.UpsertUser(ctx, req)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(u)
		return
	}
	fmt.Printf("Logged in as %s (%s)\n", u.ID, u.Name)
}

func cmdContacts(ctx context.Context, rest *client.REST, userID string, jsonOut bool) {
	users, err := rest.Contacts(ctx, userID)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(users)
		return
	}
	if len(users) == 0 {
		fmt.Println("No contacts found.")
		return
	}
	for _, u := range users {
		state := "offline"
		if u.Online {
			state = "online"
		}
		fmt.Printf("%-24s %-20s %s\n", u.ID, u.Name, state)
	}
}

func cmdThreads(ctx context.Context, rest *client.REST, userID string, jsonOut bool) {
	threads, err := rest.Threads(ctx, userID)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(threads)
		return
	}
	if len(threads) == 0 {
		fmt.Println("No threads yet.")
		return
	}
	for _, t := range threads {
		peer := t.Participants[0]
		if peer.ID == userID {
			peer = t.Participants[1]
		}
		last := ""
		if t.LastMessage != nil {
			last = t.LastMessage.Timestamp.Local().Format("Jan 02 15:04") + "  " + t.LastMessage.Content
		}
		fmt.Printf("%-20s %s\n", peer.Name, last)
	}
}

func cmdHistory(ctx context.Context, rest *client.REST, userID, contactID string, jsonOut bool) {
	t, err := rest.Thread(ctx, userID, contactID)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(t)
		return
	}
	if len(t.Messages) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, m := range t.Messages {
		printMessage(m, "")
	}
}

func cmdChat(rest *client.REST, server, userID, contactID string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	me, err := rest.UpsertUser(ctx, api.UpsertUserRequest{ID: userID})
	if err != nil {
		fatal(err)
	}

	// Join before reading history so nothing sent in between is missed.
	// Seed skips what the live stream already delivered.
	chat, err := client.Dial(ctx, wsURL(server), protocol.Identity{ID: me.ID, Name: me.Name, Email: me.Email}, contactID, nil)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = chat.Close() }()
	go func() {
		if err := chat.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
		}
		stop()
	}()

	t, err := rest.Thread(ctx, userID, contactID)
	if err != nil {
		fatal(err)
	}
	if err := chat.JoinThread(ctx, t.ID); err != nil {
		fatal(err)
	}
	chat.State().Seed(t.Messages)
	go render(ctx, chat)

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
			sendLine(ctx, chat, line)
		}
	}
}

func sendLine(ctx context.Context, chat *client.Chat, line string) {
	var att *protocol.Attachment
	content := line
	if path, ok := strings.CutPrefix(line, "/file "); ok {
		a, err := client.AttachFile(strings.TrimSpace(path), 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		att, content = a, ""
	}
	if strings.TrimSpace(content) == "" && att == nil {
		return
	}
	if _, err := chat.Send(ctx, content, att); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
	}
}

// render redraws the conversation whenever the reconciled state changes.
func render(ctx context.Context, chat *client.Chat) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-chat.Notices():
			fmt.Printf("-- %s\n", n)
		case <-chat.State().Changes():
			fmt.Print("\033[H\033[2J")
			for _, e := range chat.State().Entries() {
				mark := ""
				if e.Status == reconcile.Pending {
					mark = " (sending)"
				}
				printMessage(e.Message, mark)
			}
		}
	}
}

func printMessage(m protocol.Message, suffix string) {
	who := m.Author
	if who == "" {
		who = m.SenderID
	}
	text := m.Content
	if m.Attachment != nil {
		text = strings.TrimSpace(text + " [" + m.Attachment.Name + "]")
	}
	fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Local().Format("15:04"), who, text, suffix)
}

func wsURL(server string) string {
	s := strings.TrimRight(server, "/")
	if rest, ok := strings.CutPrefix(s, "https://"); ok {
		return "wss://" + rest + "/ws"
	}
	return "ws://" + strings.TrimPrefix(s, "http://") + "/ws"
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
