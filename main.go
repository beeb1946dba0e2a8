package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `usage: lppctl <command>

commands:
  daemon                     run the cooling-device daemon
  status                     print device status
  fan <0-100>                set fan speed percentage
  pump <high|max|low|medium> set pump mode (or 0-3)
  reconnect                  ask the daemon to reconnect
  shell                      interactive session`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "daemon":
		err = runDaemon()
	case "status":
		err = runStatus()
	case "fan":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: lppctl fan <0-100>")
			os.Exit(1)
		}
		err = runFan(os.Args[2])
	case "pump":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: lppctl pump <high|max|low|medium|0-3>")
			os.Exit(1)
		}
		err = runPump(os.Args[2])
	case "reconnect":
		err = runReconnect()
	case "shell":
		err = runShell()
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
