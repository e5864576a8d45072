package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// UpFlags Flag structs to decouple cobra from logic for testing.
type UpFlags struct {
	ConfigPath string
	DataDir    string
	Listen     string // non-empty enables the status API on this address
	NoBackend  bool
	NoDatabase bool
	// StopTimeout bounds the shutdown after a signal.
	StopTimeout time.Duration
}

// APIFlags select the status API of a running `stackup up`.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	// CACert trusts a self-signed status API, e.g. <data_dir>/tls/tls_ca.crt.
	CACert   string
	Insecure bool
	Token    string
}

// TokenEnv supplies --token when the flag is not given.
const TokenEnv = "STACKUP_API_TOKEN"

type StatusFlags struct {
	APIFlags
	JSON bool
}

type RestartFlags struct {
	APIFlags
	Service string
}

type HistoryFlags struct {
	APIFlags
	Limit int
	JSON  bool
}

type PortsCheckFlags struct {
	Ports []int
	JSON  bool
}

type PortsFindFlags struct {
	Start int
	Span  int
	// Range is "start-end" and replaces Start and Span when set.
	Range string
}

type ConfigShowFlags struct {
	ConfigPath string
	JSON       bool
}

type ConfigValidateFlags struct {
	ConfigPath string
}

type TokenFlags struct {
	From string
}
