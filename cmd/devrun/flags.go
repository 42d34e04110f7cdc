package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// WorkerFlags are used by start, restart, stop and status.
type WorkerFlags struct {
	ConfigPath string
	Wait       time.Duration // stop only
	// Remote control API connection
	APIUrl      string
	APITimeout  time.Duration
	APICACert   string
	APIInsecure bool
}

type ServeFlags struct {
	ConfigPath  string
	Listen      string
	StartWorker bool
	// For tests: shut down right after the listener is up.
	NonBlocking bool
}

type TaskFlags struct {
	ConfigPath string
	List       bool
	Verbose    bool
}
