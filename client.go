package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mil-ad/lppctl/internal/config"
	"github.com/mil-ad/lppctl/internal/ipc"
	"github.com/mil-ad/lppctl/internal/state"
)

// socketPath follows the daemon's configuration so both sides agree.
func socketPath() string {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return config.DefaultSocketPath()
	}
	return cfg.Socket.Path
}

func ipcCall(req ipc.Request) (ipc.Response, error) {
	c, err := ipc.Dial(socketPath())
	if err != nil {
		return ipc.Response{}, err
	}
	defer c.Close()
	return c.Call(req)
}

func printResponse(w io.Writer, resp ipc.Response) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func run(req ipc.Request) error {
	resp, err := ipcCall(req)
	if err != nil {
		return err
	}
	return printResponse(os.Stdout, resp)
}

func runStatus() error {
	return run(ipc.NewRequest(ipc.CmdStatus))
}

func runFan(arg string) error {
	v, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("fan: %q is not a number", arg)
	}
	return run(ipc.NewRequest(ipc.CmdFan, v))
}

func runPump(arg string) error {
	mode, err := parsePump(arg)
	if err != nil {
		return err
	}
	return run(ipc.NewRequest(ipc.CmdPump, mode))
}

func runReconnect() error {
	return run(ipc.NewRequest(ipc.CmdReconnect))
}

// parsePump accepts a mode name or its number. Range checks are left to
// the daemon.
func parsePump(arg string) (int, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		return n, nil
	}
	mode, err := state.ParsePumpMode(arg)
	if err != nil {
		return 0, fmt.Errorf("pump: unknown mode %q (want high, max, low, medium or 0-3)", arg)
	}
	return int(mode), nil
}

const shellHelp = `commands:
  status               show device status
  fan <0-100>          set fan speed
  pump <mode|0-3>      set pump mode (high, max, low, medium)
  reconnect            reconnect to the device
  raw <json>           send a raw request line
  help                 show this help
  quit                 exit`

// runShell keeps one socket connection open and issues commands over it.
func runShell() error {
	c, err := ipc.Dial(socketPath())
	if err != nil {
		return err
	}
	defer c.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lpp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	fmt.Fprintln(out, shellHelp)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var resp ipc.Response
		switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
		case "help", "?":
			fmt.Fprintln(out, shellHelp)
			continue
		case "quit", "exit", "q":
			return nil
		case "status", "s":
			resp, err = c.Status()
		case "reconnect":
			resp, err = c.Reconnect()
		case "fan", "pump":
			if len(args) != 1 {
				fmt.Fprintf(out, "usage: %s <value>\n", cmd)
				continue
			}
			var v int
			if cmd == "fan" {
				v, err = strconv.Atoi(args[0])
			} else {
				v, err = parsePump(args[0])
			}
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			resp, err = c.Call(ipc.NewRequest(cmd, v))
		case "raw":
			resp, err = c.CallRaw([]byte(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))))
		default:
			fmt.Fprintf(out, "unknown command: %s (try help)\n", cmd)
			continue
		}
		if err != nil {
			return err
		}
		if err := printResponse(out, resp); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
