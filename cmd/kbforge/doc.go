// Package main hosts the kbforge CLI.
//
// Every command except `daemon` and `config` talks to a running daemon over
// its HTTP API, so the CLI holds no database handle of its own. Output is a
// rounded table by default and indented JSON with --json.
package main
