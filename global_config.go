package pandabox

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by the server.
// Command and Data are fixed by the PandABox firmware; RPC and Status are
// local server ports.
type Portnumbers struct {
	Command int
	Data    int
	RPC     int
	Status  int
}

// Ports globally holds all TCP port numbers used by the server.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.Command = 8888
	Ports.Data = 8889
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// ServerStartTime is a global holding the time init() was run
var ServerStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5700)
	ServerStartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
