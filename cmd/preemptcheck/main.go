// Package main implements the preemptcheck CLI tool.
//
// preemptcheck drives the preempt counter and the processor-id misuse
// detector on a simulated SMP machine: tasks nest preemption-disabled
// sections, take interrupts, get rescheduled and migrated, and read
// their processor id both safely and, at a chosen period, unsafely.
//
// Usage:
//
//	preemptcheck simulate -cpus 8 -tasks 16   # run once and print a summary
//	preemptcheck serve -config preempt.toml   # run in rounds, expose /metrics
//	preemptcheck config -o preempt.toml       # write the default configuration
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/preempt/preempt"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "simulate":
		simulateCommand(os.Args[2:])
	case "serve":
		serveCommand(os.Args[2:])
	case "config":
		configCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("preemptcheck version %s\n", preempt.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`preemptcheck - preempt counter and processor-id misuse simulator

USAGE:
    preemptcheck <command> [arguments]

COMMANDS:
    simulate   Run the workload once and print a summary
    serve      Run the workload in rounds and serve Prometheus metrics
    config     Write the default configuration as TOML
    version    Show version information
    help       Show this help message

FLAGS (simulate, serve):
    -config file          TOML configuration (optional)
    -cpus n               simulated processors
    -tasks n              simulated tasks
    -iterations n         iterations per task
    -misuse-every n       unprotected processor-id read every n iterations (0: never)
    -irq-every n          simulated interrupt every n iterations (0: never)
    -log-level level      trace, debug, info, warn, error
    -web.listen-address   metrics address (serve only)

EXAMPLES:
    # One run with a misuse every 500 iterations
    preemptcheck simulate -misuse-every 500

    # Serve metrics on the default address
    preemptcheck serve

    # Start from the defaults
    preemptcheck config -o preempt.toml

`)
}

// fail prints err the way every command reports errors and exits.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
