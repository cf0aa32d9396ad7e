package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/sushant-115/pagestore/core/storage_engine/store"
)

const shellHelp = `Commands:
  create <destination>
  drop <destination>
  add <destination> <message-id> <payload...>
  get <destination> <message-id>
  remove <destination> <message-id>
  count <destination>
  list
  stats
  checkpoint
  compact
  help
  exit`

type ShellCmd struct{}

func (c *ShellCmd) Run() error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagestore> ",
		HistoryFile:     filepath.Join(e.cfg.Directory, ".pagestore_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("pagestore shell. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return nil
		}
		if err := runShellCommand(e.store, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func runShellCommand(s *store.Store, args []string) error {
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "help":
		fmt.Println(shellHelp)
	case "create":
		if err := need(2, "create <destination>"); err != nil {
			return err
		}
		return s.CreateDestination(args[1])
	case "drop":
		if err := need(2, "drop <destination>"); err != nil {
			return err
		}
		return s.RemoveDestination(args[1])
	case "add":
		if err := need(4, "add <destination> <message-id> <payload...>"); err != nil {
			return err
		}
		loc, err := s.AddMessage(args[1], args[2], []byte(strings.Join(args[3:], " ")))
		if err != nil {
			return err
		}
		fmt.Printf("stored at %s\n", loc)
	case "get":
		if err := need(3, "get <destination> <message-id>"); err != nil {
			return err
		}
		payload, err := s.Lookup(args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
	case "remove":
		if err := need(3, "remove <destination> <message-id>"); err != nil {
			return err
		}
		removed, err := s.RemoveMessage(args[1], args[2])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Println("not found")
		}
	case "count":
		if err := need(2, "count <destination>"); err != nil {
			return err
		}
		n, err := s.Count(args[1])
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "list":
		names, err := s.Destinations()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
	case "stats":
		return printStats(s)
	case "checkpoint":
		return s.Checkpoint()
	case "compact":
		return s.CheckpointCleanup(true)
	default:
		return fmt.Errorf("unknown command %q, type 'help'", args[0])
	}
	return nil
}
