// Command voicectl calls the bot's control tools from a shell.
//
//	voicectl [-url ws://localhost:9090/mcp/ws] status
//	voicectl set_mode repeat
//	voicectl set_persona griffin
//	voicectl speak "hello everyone"
//	voicectl clear_history [speaker-id]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/discord-voice-lab/voicemimic/internal/logging"
	"github.com/discord-voice-lab/voicemimic/internal/mcp"
)

const version = "0.1.0"

func main() {
	addr := flag.String("url", envOr("VOICEMIMIC_CONTROL_URL", "ws://localhost:9090/mcp/ws"), "control websocket URL")
	timeout := flag.Duration("timeout", 30*time.Second, "overall call timeout")
	flag.Usage = usage
	flag.Parse()

	logging.Init()
	defer func() { _ = logging.Sync() }()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	tool, args, err := buildCall(flag.Arg(0), flag.Args()[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := mcp.NewClientWrapper("voicectl", version)
	if err := client.ConnectWebSocket(ctx, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	if tool == "" {
		names, err := client.ListTools(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(strings.Join(names, "\n"))
		return
	}
	out, err := client.CallTool(ctx, tool, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(out)
}

// buildCall maps a subcommand and its positional arguments onto a tool call.
// An empty tool name means "list tools".
func buildCall(cmd string, rest []string) (string, map[string]any, error) {
	joined := strings.TrimSpace(strings.Join(rest, " "))
	need := func(field string) (map[string]any, error) {
		if joined == "" {
			return nil, fmt.Errorf("%s requires a %s argument", cmd, field)
		}
		return map[string]any{field: joined}, nil
	}
	switch cmd {
	case "tools":
		return "", nil, nil
	case mcp.ToolStatus:
		return cmd, nil, nil
	case mcp.ToolSetMode, "mode":
		args, err := need("mode")
		return mcp.ToolSetMode, args, err
	case mcp.ToolSetPersona, "persona":
		args, err := need("persona")
		return mcp.ToolSetPersona, args, err
	case mcp.ToolSpeak, "say":
		args, err := need("text")
		return mcp.ToolSpeak, args, err
	case mcp.ToolClearHistory, "clear":
		if joined == "" {
			return mcp.ToolClearHistory, nil, nil
		}
		return mcp.ToolClearHistory, map[string]any{"speaker": joined}, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", cmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <tools|status|set_mode|set_persona|speak|clear_history> [args]\n", os.Args[0])
	flag.PrintDefaults()
}
