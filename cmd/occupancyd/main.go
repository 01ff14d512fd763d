package main

import "github.com/jsherman999/occupancyhub/internal/daemon"

func main() { daemon.Main() }
