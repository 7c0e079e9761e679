package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config  string `long:"config" short:"c" default:"stackmedic.yaml" description:"path to the stack configuration file"`
	Verbose bool   `long:"verbose" short:"v" description:"enable debug logging"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts globalOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)

	parser.AddCommand("check",
		"Probe unit health",
		"Probes every unit (or the named units) and reports health without touching any container.",
		&checkCommand{globals: &opts})
	parser.AddCommand("recover",
		"Recover unhealthy units",
		"Runs one reconciliation pass: probes units, expands the unhealthy set along dependencies and recovers in dependency order.",
		&recoverCommand{globals: &opts})
	parser.AddCommand("restart",
		"Restart the whole stack",
		"Stops all units in reverse dependency order, then starts them in dependency order, waiting for health at each step.",
		&restartCommand{globals: &opts})
	parser.AddCommand("monitor",
		"Monitor the stack in the foreground",
		"Runs reconciliation passes on a fixed interval until interrupted.",
		&monitorCommand{globals: &opts})

	_, err := parser.Parse()
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
