// loevent is a command line front end for the event pipeline.
//
//	loevent send  reads JSON lines from stdin and delivers them as events
//	loevent sink  runs a websocket endpoint that prints what it receives
//	loevent dump  prints the events still waiting in a durable queue
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	switch command {
	case "send":
		return runSend(ctx, rest, os.Stdin, os.Stdout)
	case "sink":
		return runSink(ctx, rest, os.Stdout)
	case "dump":
		return runDump(ctx, rest, os.Stdout)
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Usage:
  loevent send [flags] < events.jsonl
  loevent sink [flags]
  loevent dump [flags]

Run "loevent <command> --help" for the flags of a command.
`)
}

// parseFlags parses args, printing the defaults on --help.
func parseFlags(flagSet *pflag.FlagSet, args []string) (help bool, err error) {
	flagSet.BoolP("help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		flagSet.SetOutput(os.Stderr)
		flagSet.PrintDefaults()
		return true, nil
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return false, nil
}
