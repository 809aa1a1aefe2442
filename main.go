package main

import "github.com/Lazloian/EMI-Analyzer/cmd"

func main() {
	cmd.Execute()
}
