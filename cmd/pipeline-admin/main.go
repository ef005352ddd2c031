// ABOUTME: Admin CLI for pipeline status and inspection
// ABOUTME: Displays conversations, event logs, and dead-letter streams

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/config"
)

type Conversation struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type Event struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Producer  string         `json:"producer"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

type EventsResponse struct {
	ConversationID string  `json:"conversationId"`
	Events         []Event `json:"events"`
}

const banner = `
        _            _ _                        _           _
  _ __ (_)_ __   ___| (_)_ __   ___    __ _  __| |_ __ ___ (_)_ __
 | '_ \| | '_ \ / _ \ | | '_ \ / _ \  / _' |/ _' | '_ ' _ \| | '_ \
 | |_) | | |_) |  __/ | | | | |  __/ | (_| | (_| | | | | | | | | | |
 | .__/|_| .__/ \___|_|_|_| |_|\___|  \__,_|\__,_|_| |_| |_|_|_| |_|
 |_|     |_|
`

func main() {
	api := flag.String("api", getEnv("PIPELINE_API_HTTP", "http://localhost:8080"), "Pipeline API HTTP URL")
	limit := flag.Int("limit", 20, "Max conversations to list")
	flag.Parse()

	baseURL := strings.TrimSuffix(*api, "/")

	cmd := flag.Arg(0)
	var err error
	switch cmd {
	case "", "status":
		err = printStatus(baseURL, *limit)
	case "conversations":
		err = printConversations(baseURL, *limit)
	case "show":
		if flag.Arg(1) == "" {
			err = fmt.Errorf("usage: pipeline-admin show <conversation-id>")
		} else {
			err = printConversation(baseURL, flag.Arg(1))
		}
	case "dead-letters":
		err = printDeadLetters(flag.Arg(1))
	default:
		err = fmt.Errorf("unknown command %q (status, conversations, show, dead-letters)", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printStatus(baseURL string, limit int) error {
	fmt.Print(banner)

	fmt.Println("  Health")
	fmt.Println("  ------")
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		fmt.Printf("  API:  UNREACHABLE (%v)\n", err)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		fmt.Println("  API:  OK")
	} else {
		fmt.Printf("  API:  ERROR (status %d)\n", resp.StatusCode)
	}
	fmt.Println()

	return printConversations(baseURL, limit)
}

func printConversations(baseURL string, limit int) error {
	resp, err := http.Get(fmt.Sprintf("%s/conversations?limit=%d", baseURL, limit))
	if err != nil {
		return fmt.Errorf("fetching conversations: %w", err)
	}
	defer resp.Body.Close()

	var body ConversationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Println("  Conversations")
	fmt.Println("  -------------")
	if len(body.Conversations) == 0 {
		fmt.Println("  (none)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATE\tUPDATED")
	for _, c := range body.Conversations {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", c.ID, c.State, c.UpdatedAt)
	}
	return w.Flush()
}

func printConversation(baseURL, id string) error {
	resp, err := http.Get(baseURL + "/conversations/" + id)
	if err != nil {
		return fmt.Errorf("fetching conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("conversation %s not found", id)
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Printf("  Conversation %s\n", conv.ID)
	fmt.Printf("  State:   %s\n", conv.State)
	fmt.Printf("  Created: %s\n", conv.CreatedAt)
	fmt.Printf("  Updated: %s\n", conv.UpdatedAt)
	fmt.Println()

	resp2, err := http.Get(baseURL + "/conversations/" + id + "/events")
	if err != nil {
		return fmt.Errorf("fetching events: %w", err)
	}
	defer resp2.Body.Close()

	var events EventsResponse
	if err := json.NewDecoder(resp2.Body).Decode(&events); err != nil {
		return fmt.Errorf("decoding events: %w", err)
	}

	fmt.Println("  Events")
	fmt.Println("  ------")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tTYPE\tPRODUCER\tEVENT ID")
	for _, e := range events.Events {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.Timestamp, e.EventType, e.Producer, e.EventID)
	}
	return w.Flush()
}

// printDeadLetters reads the dead-letter streams directly from Redis;
// dead-letter drainage is an operator action, so there is no API for it.
func printDeadLetters(topic string) error {
	path := os.Getenv("PIPELINE_CONFIG")
	if path == "" {
		path = "pipeline.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Bus.Driver != "redis" {
		return fmt.Errorf("dead-letter inspection requires the redis bus driver")
	}

	rb, err := bus.NewRedisBus(cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, nil)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer rb.Close()

	topics := []string{
		bus.DeadLetterTopic(cfg.Bus.Topics.Reasoning),
		bus.DeadLetterTopic(cfg.Bus.Topics.Action),
	}
	if topic != "" {
		topics = []string{topic}
	}

	ctx := context.Background()
	for _, t := range topics {
		dead, err := rb.ReadDeadLetters(ctx, t, 50)
		if err != nil {
			return err
		}
		fmt.Printf("  %s (%d)\n", t, len(dead))
		fmt.Println("  " + strings.Repeat("-", len(t)))
		if len(dead) == 0 {
			fmt.Println("  (empty)")
			fmt.Println()
			continue
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  EVENT ID\tTYPE\tCONVERSATION\tREASON")
		for _, d := range dead {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				d.Envelope.EventID, d.Envelope.EventType, d.Envelope.ConversationID, d.Reason)
		}
		w.Flush()
		fmt.Println()
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
