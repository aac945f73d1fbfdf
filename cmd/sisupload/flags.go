package main

// GlobalFlags holds the persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

type RunFlags struct {
	UploadOnly bool
	JSON       bool
}

type StatusFlags struct {
	JSON bool
}

type UnlockFlags struct {
	Force bool
	Rerun bool
}

type FakeLMSFlags struct {
	Listen  string
	Token   string
	FirstID int
	Polls   int
}
