// Package main is the orchestrator service entry point.
package main

import "github.com/scraperpro/orchestrator/cmd"

func main() {
	cmd.Execute()
}
