// config.go implements the 'preemptcheck config' command.
package main

import (
	"flag"
	"fmt"

	"github.com/kolkov/preempt/internal/config"
)

// configCommand writes the default configuration to -o.
//
// Example:
//
//	preemptcheck config -o preempt.toml
func configCommand(args []string) {
	out, err := parseConfigArgs(args)
	if err != nil {
		fail(err)
	}
	if err := config.GenerateExampleConfig(out); err != nil {
		fail(err)
	}
	fmt.Printf("Generated %s successfully\n", out)
}

// parseConfigArgs returns the output path.
func parseConfigArgs(args []string) (string, error) {
	set := flag.NewFlagSet("config", flag.ContinueOnError)
	out := set.String("o", "preemptcheck.toml", "Output file.")
	if err := set.Parse(args); err != nil {
		return "", err
	}
	if set.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %v", set.Args())
	}
	return *out, nil
}
