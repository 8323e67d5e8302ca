package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.3.1"

// init pins the lipgloss color profile so the view renders consistently
// across terminals. Overridable via CLAUDE_BRIDGE_COLOR.
func init() {
	switch strings.ToLower(os.Getenv("CLAUDE_BRIDGE_COLOR")) {
	case "truecolor", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
	case "256":
		lipgloss.SetColorProfile(termenv.ANSI256)
	case "16", "ansi":
		lipgloss.SetColorProfile(termenv.ANSI)
	case "none", "off":
		lipgloss.SetColorProfile(termenv.Ascii)
	default:
		if termenv.EnvColorProfile() == termenv.Ascii {
			lipgloss.SetColorProfile(termenv.Ascii)
		} else {
			lipgloss.SetColorProfile(termenv.ANSI256)
		}
	}
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("claude-bridge v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "start":
		handleStart(args[1:])
	case "status":
		handleStatus(args[1:])
	case "add-session", "add":
		handleAddSession(args[1:])
	case "remove", "rm":
		handleRemove(args[1:])
	case "list", "ls":
		handleList(args[1:])
	case "stop-all":
		handleStopAll(args[1:])
	case "view":
		handleView(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("claude-bridge - bridge chat channels to CLI sessions over tmux")
	fmt.Println()
	fmt.Println("Usage: claude-bridge <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start                 Run the bridge daemon (gateway, router, relay, API)")
	fmt.Println("  status                Show daemon status")
	fmt.Println("  list, ls              List bridged sessions")
	fmt.Println("  add-session <chan>    Bind a chat channel to a new session")
	fmt.Println("  remove <chan>         Unbind a channel and kill its session")
	fmt.Println("  stop-all              Kill every bridged tmux session")
	fmt.Println("  view                  Open the read-only tiled session view")
	fmt.Println("  version               Print version")
	fmt.Println()
	fmt.Println("State lives in ~/.claude-bridge (override with CLAUDE_BRIDGE_HOME).")
	fmt.Println("The bot token is read from DISCORD_BOT_TOKEN or ~/.claude-bridge/.env.")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
