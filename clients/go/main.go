// CyCap CLI - Command line client for the CyCap chat API
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dasmygame/CyCap/clients/go/cycap"
)

const defaultChannel = "general"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("CYCAP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := cycap.NewClient(baseURL, os.Getenv("CYCAP_TOKEN"))
	ctx := context.Background()
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "read":
		channelID := defaultChannel
		if len(os.Args) > 2 {
			channelID = os.Args[2]
		}
		msgs, err := client.GetMessages(ctx, channelID, 20, "")
		exitOnError(err)
		// Newest-first from the server; print oldest-first for reading.
		for i := len(msgs) - 1; i >= 0; i-- {
			printMessage(msgs[i])
		}

	case "send":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: cycap send <message> [channel]")
			os.Exit(1)
		}
		channelID := defaultChannel
		if len(os.Args) > 3 {
			channelID = os.Args[3]
		}
		msg, err := client.PostMessage(ctx, channelID, os.Args[2], cycap.MessageText)
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "tail":
		channelID := defaultChannel
		if len(os.Args) > 2 {
			channelID = os.Args[2]
		}
		tail(ctx, client, baseURL, channelID)

	case "who":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: cycap who <user_id>")
			os.Exit(1)
		}
		resp, err := client.GetUser(ctx, os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// tail opens a live session on the channel and prints messages as they
// arrive until interrupted.
func tail(ctx context.Context, client *cycap.Client, baseURL, channelID string) {
	sub := cycap.NewWebSocketSubscriber(baseURL, client.Token)
	session := cycap.NewChatSession(client, sub, channelID)

	printed := make(map[string]bool)
	session.OnUpdate = func(msgs []cycap.Message) {
		for _, msg := range msgs {
			if printed[msg.ID] {
				continue
			}
			printed[msg.ID] = true
			printMessage(msg)
		}
	}

	exitOnError(session.Open(ctx))
	defer session.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func printMessage(msg cycap.Message) {
	ts := msg.CreatedAt.Local().Format("2006-01-02 15:04:05")
	name := "unknown"
	if msg.Sender != nil {
		name = msg.Sender.Username
	}
	fmt.Printf("[%s] %s: %s\n", ts, name, msg.Content)
}

func usage() {
	fmt.Println(`CyCap CLI - Community chat client

Usage: cycap <command> [options]

Commands:
  read [channel]            Read recent messages (default channel: general)
  send <message> [channel]  Send a message
  tail [channel]            Stream live messages until interrupted
  who <user_id>             Show a user profile
  health                    Check server health

Environment:
  CYCAP_URL     Server URL (default: http://localhost:8080)
  CYCAP_TOKEN   Session token for authenticated commands`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
