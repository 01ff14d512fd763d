package main

import "github.com/jsherman999/occupancyhub/internal/cli"

func main() { cli.Main() }
