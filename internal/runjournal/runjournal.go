// Package runjournal records acquisition runs in a ClickHouse database, when
// one is reachable. Without a database the journal degrades to a no-op.
package runjournal

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "pandabox" // official SQL name of the database

// Connection is a background journal writer fed over channels, so lifecycle
// calls never wait on the database.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ServerActivityMessage
	acqmsg        chan *AcquisitionMessage
	sync.WaitGroup
}

// IsConnected reports whether the journal has a usable database connection.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server is reachable and prints its
// version.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection opens the journal, records the server activity entry, and
// launches the background writer until abort is closed.
func StartConnection(activity *ServerActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a journal with no database behind it. All Record
// calls on it are no-ops.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("PANDABOX_DB_USER"),
		Password: os.Getenv("PANDABOX_DB_PASSWORD"),
	}
	addr := os.Getenv("PANDABOX_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: auth,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.acqmsg = make(chan *AcquisitionMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO serveractivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Appliance, ae.Githash, ae.Version,
		ae.GoVersion, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into serveractivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case amsg := <-db.acqmsg:
			db.handleAcqMessage(amsg)
		}
	}
}

// Disconnect finalizes the server activity entry.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordAcquisition stores one acquisition entry (if the DB is open). It
// blocks until the background writer accepts the message, so entries appear
// in lifecycle order.
func (db *Connection) RecordAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.acqmsg <- msg
}

// FinishAcquisition stamps the end time on a previously recorded entry and
// re-submits it without blocking the caller.
func (db *Connection) FinishAcquisition(msg *AcquisitionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.acqmsg <- msg }()
}

func (db *Connection) handleAcqMessage(m *AcquisitionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO acquisitions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ServerID, m.Sync, m.IntegrationTime, m.Repetitions,
		m.Channels, m.RowsCaptured, m.Outcome, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into acquisitions ", err)
		db.err = err
	}
}
