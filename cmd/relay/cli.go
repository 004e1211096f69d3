package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/meetingrelay/transcript-relay/internal/transcript"
)

const version = "0.1.0"

// runCLI handles subcommand execution before the normal serve path. Returns
// true if a subcommand was handled.
func runCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("transcript-relay %s\n", version)
		return true
	case "health":
		return cliHealth(args[1:])
	case "stats":
		return cliStats(args[1:])
	default:
		return false
	}
}

func cliHealth(args []string) bool {
	addr := "http://localhost:8080/api/v1/health"
	if len(args) > 0 {
		addr = args[0]
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(os.Stderr, "decode health response: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(body, "", "  ")
	fmt.Println(string(out))
	return true
}

func cliStats(args []string) bool {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: relay stats <store-path> <meeting-id>")
		os.Exit(1)
	}
	store, err := transcript.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "open transcript store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	segs, err := store.ListFinals(context.Background(), args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "list finals: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("meeting %s: %d persisted final segments\n", args[1], len(segs))
	for _, seg := range segs {
		fmt.Printf("  [%d] %s: %s\n", seg.SegmentNo, seg.Speaker, seg.Text)
	}
	return true
}
