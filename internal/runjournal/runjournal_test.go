package runjournal

import (
	"testing"
	"time"
)

func TestDummyConnection(t *testing.T) {
	db := DummyConnection()
	if db.IsConnected() {
		t.Error("a dummy journal must report disconnected")
	}

	// All recording calls must be harmless no-ops without a database.
	msg := &AcquisitionMessage{
		ID:              "01J0TESTRUN",
		Sync:            "Software",
		IntegrationTime: 0.5,
		Repetitions:     1,
		Outcome:         "started",
		Start:           time.Now(),
	}
	db.RecordAcquisition(msg)
	db.FinishAcquisition(msg)
	db.RecordAcquisition(nil)
	db.Disconnect()
}

func TestNilConnection(t *testing.T) {
	var db *Connection
	if db.IsConnected() {
		t.Error("a nil journal must report disconnected")
	}
}
