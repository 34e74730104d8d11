package runjournal

import "time"

// The composite types used for messages to the ClickHouse database.

// ServerActivityMessage is the information for the serveractivity table, one
// row per server process lifetime.
type ServerActivityMessage struct {
	ID        string
	Hostname  string
	Appliance string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// AcquisitionMessage is the information required to make an entry in the
// acquisitions table, one row per Load→drain cycle.
type AcquisitionMessage struct {
	ID              string
	ServerID        string
	Sync            string
	IntegrationTime float64
	Repetitions     int
	Channels        []string
	RowsCaptured    int
	Outcome         string
	Start           time.Time
	End             time.Time
}
