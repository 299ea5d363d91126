// Package dispatch implements the DISPATCH control-plane command parser and
// the recurring/one-shot task executor.
//
// Grounded on gorp-core/src/commands.rs (general ! command parsing) and
// src/orchestrator.rs's DispatchCommand::parse/handle_dispatch (the
// DISPATCH-specific command set).
package dispatch

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Kind enumerates every DISPATCH subcommand, including the backend and
// schedule subcommands supplemented from the older room-based orchestrator
// (see SPEC_FULL.md §D.1).
type Kind string

const (
	KindCreate    Kind = "create"
	KindDelete    Kind = "delete"
	KindList      Kind = "list"
	KindStatus    Kind = "status"
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindTell      Kind = "tell"
	KindRead      Kind = "read"
	KindBroadcast Kind = "broadcast"
	KindSchedule  Kind = "schedule"
	KindBackend   Kind = "backend"
	KindHelp      Kind = "help"
	KindUnknown   Kind = "unknown"
)

// Command is the parsed result of a line addressed to the DISPATCH channel.
type Command struct {
	Kind Kind

	Name      string // create/delete/status/join/schedule target channel name
	Workspace string // create's optional workspace template arg
	Session   string // tell/read target session name
	Message   string // tell/broadcast body
	Count     int    // read's optional line count, 0 = default
	CronExpr  string // schedule's cron expression
	Prompt    string // schedule's prompt body

	// Backend subcommand fields.
	BackendSub   string // "get", "list", "set", "reset"
	BackendValue string // set's target backend name

	Raw string // original unparsed text, populated for KindUnknown
}

// ParseCommand parses one line of DISPATCH-channel input into a Command.
// Unrecognized or malformed commands return KindUnknown with Raw set to the
// full input so the caller can render a helpful hint.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "!") {
		return Command{Kind: KindUnknown, Raw: input}
	}

	// !broadcast is special-cased: everything after the literal prefix is
	// the message, not subject to shell-style tokenization, matching
	// src/orchestrator.rs's DispatchCommand::parse.
	const broadcastPrefix = "!broadcast "
	if strings.HasPrefix(strings.ToLower(input), broadcastPrefix) {
		msg := strings.TrimSpace(input[len(broadcastPrefix):])
		if msg == "" {
			return Command{Kind: KindUnknown, Raw: input}
		}
		return Command{Kind: KindBroadcast, Message: msg}
	}

	parts := splitN(input, 2)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "!"))
	rest := ""
	if len(parts) > 1 {
		rest = parts[1]
	}

	switch name {
	case "create":
		args := tokenize(rest)
		if len(args) == 0 {
			return Command{Kind: KindUnknown, Raw: input}
		}
		cmd := Command{Kind: KindCreate, Name: args[0]}
		if len(args) > 1 {
			cmd.Workspace = args[1]
		}
		return cmd

	case "delete":
		args := tokenize(rest)
		if len(args) == 0 {
			return Command{Kind: KindUnknown, Raw: input}
		}
		return Command{Kind: KindDelete, Name: args[0]}

	case "list":
		return Command{Kind: KindList}

	case "status":
		args := tokenize(rest)
		if len(args) == 0 {
			return Command{Kind: KindUnknown, Raw: input}
		}
		return Command{Kind: KindStatus, Name: args[0]}

	case "join":
		args := tokenize(rest)
		if len(args) == 0 {
			return Command{Kind: KindUnknown, Raw: input}
		}
		return Command{Kind: KindJoin, Name: args[0]}

	case "leave":
		return Command{Kind: KindLeave}

	case "tell":
		args := strings.SplitN(rest, " ", 2)
		if len(args) < 2 || args[0] == "" || strings.TrimSpace(args[1]) == "" {
			return Command{Kind: KindUnknown, Raw: input}
		}
		return Command{Kind: KindTell, Session: args[0], Message: strings.TrimSpace(args[1])}

	case "read":
		args := tokenize(rest)
		if len(args) == 0 {
			return Command{Kind: KindUnknown, Raw: input}
		}
		cmd := Command{Kind: KindRead, Session: args[0]}
		if len(args) > 1 {
			fmt.Sscanf(args[1], "%d", &cmd.Count)
		}
		return cmd

	case "schedule":
		args := tokenize(rest)
		if len(args) < 3 {
			return Command{Kind: KindUnknown, Raw: input}
		}
		prompt := strings.TrimSpace(strings.Join(args[2:], " "))
		if args[0] == "" || args[1] == "" || prompt == "" {
			return Command{Kind: KindUnknown, Raw: input}
		}
		return Command{Kind: KindSchedule, Name: args[0], CronExpr: args[1], Prompt: prompt}

	case "backend":
		args := tokenize(rest)
		if len(args) == 0 {
			return Command{Kind: KindBackend, BackendSub: "get"}
		}
		switch strings.ToLower(args[0]) {
		case "get":
			return Command{Kind: KindBackend, BackendSub: "get"}
		case "list", "ls":
			return Command{Kind: KindBackend, BackendSub: "list"}
		case "set":
			if len(args) < 2 {
				return Command{Kind: KindUnknown, Raw: input}
			}
			return Command{Kind: KindBackend, BackendSub: "set", BackendValue: args[1]}
		case "reset", "clear":
			return Command{Kind: KindBackend, BackendSub: "reset"}
		default:
			// Bare backend name, e.g. "!backend acp", sets directly.
			return Command{Kind: KindBackend, BackendSub: "set", BackendValue: args[0]}
		}

	case "help":
		return Command{Kind: KindHelp}

	default:
		return Command{Kind: KindUnknown, Raw: input}
	}
}

// splitN splits input on single spaces into at most n fields, keeping the
// remainder of the string (beyond the first n-1 fields) intact as the last
// element — the "!cmd arg1 rest" shape used throughout DISPATCH parsing.
func splitN(input string, n int) []string {
	return strings.SplitN(input, " ", n)
}

// tokenize quote-aware splits a command's argument string, supporting both
// "double" and 'single' quoted arguments (mirrors gorp-core's parse_args).
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parser := shellwords.NewParser()
	fields, err := parser.Parse(s)
	if err != nil {
		return strings.Fields(s)
	}
	return fields
}

// HelpText is the exact text rendered for "!help", matching the command
// table documented in spec.md §4.8 plus the §D.1 supplemented subcommands.
func HelpText() string {
	return strings.TrimSpace(`
DISPATCH commands:
  !create <name> [workspace]   Create a new channel (the workspace argument is accepted but unused)
  !delete <name>                Delete a channel and all its bindings
  !list                          List every channel and whether it has started
  !status <name>                Show detail for one channel (bindings, backend, directory)
  !join <name>                  Bind this platform channel to a session
  !leave                         Unbind this platform channel from its current session
  !tell <name> <message>         Send a message to a session without joining it
  !read <name> [count]           Show a session's metadata (message history is not stored)
  !broadcast <message>           Send a message to every non-DISPATCH channel
  !schedule <name> <cron> <prompt>  Enqueue a recurring dispatch task on a cron schedule
  !backend get|list|set <name>|reset   Inspect or change the active channel's backend
  !help                          Show this message
`)
}
