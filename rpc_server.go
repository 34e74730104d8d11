package pandabox

import (
	"encoding/json"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/spf13/viper"

	"github.com/MaxIV-KitsControls/sardana-pandabox/internal/npyout"
	"github.com/MaxIV-KitsControls/sardana-pandabox/internal/runjournal"
)

// ControllerControl is the sub-server that exposes the acquisition lifecycle
// to the host runtime over JSON-RPC: Load, StartAll, ReadAll, ReadOne,
// AbortOne, StopOne, StateAll, plus axis registration and binding.
type ControllerControl struct {
	controller *AcquisitionController
	journal    *runjournal.Connection
	npyDir     string // when non-empty, completed frames are dumped here

	activeRun     *runjournal.AcquisitionMessage
	status        ServerStatus
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the status that ControllerControl reports to clients.
type ServerStatus struct {
	State    string
	Status   string
	Sync     string
	RunID    string
	Rows     int
	Channels []string
}

// AxisArg selects one logical axis.
type AxisArg struct {
	Axis int
}

// LoadArgs holds the arguments of a Load call.
type LoadArgs struct {
	Axis            int
	IntegrationTime float64
	Repetitions     int
}

// AxisParameterArgs holds the arguments of a SetAxisParameter call.
type AxisParameterArgs struct {
	Axis  int
	Name  string
	Value string
}

// StateReply carries the coarse state and the raw appliance status text.
type StateReply struct {
	State  string
	Status string
}

// AddDevice registers one logical axis with the controller.
func (s *ControllerControl) AddDevice(args *AxisArg, reply *bool) error {
	err := s.controller.AddDevice(args.Axis)
	*reply = (err == nil)
	return err
}

// DeleteDevice removes one logical axis.
func (s *ControllerControl) DeleteDevice(args *AxisArg, reply *bool) error {
	s.controller.DeleteDevice(args.Axis)
	*reply = true
	return nil
}

// SetSynchronization selects Software or Hardware triggering.
func (s *ControllerControl) SetSynchronization(mode *string, reply *bool) error {
	switch *mode {
	case "Software":
		s.controller.SetSynchronization(SoftwareSync)
	case "Hardware":
		s.controller.SetSynchronization(HardwareSync)
	default:
		return &ConfigError{Reason: fmt.Sprintf("synchronization %q is not recognized", *mode)}
	}
	*reply = true
	return nil
}

// SetAxisParameter assigns ChannelName or AcquisitionMode on one axis and
// persists the binding.
func (s *ControllerControl) SetAxisParameter(args *AxisParameterArgs, reply *bool) error {
	if err := s.controller.SetAxisParameter(args.Axis, args.Name, args.Value); err != nil {
		*reply = false
		return err
	}
	key := fmt.Sprintf("bindings.axis%d.%s", args.Axis, args.Name)
	viper.Set(key, args.Value)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not persist %s: %v", key, err)
	}
	*reply = true
	return nil
}

// GetAxisParameter reads back ChannelName or AcquisitionMode for one axis.
func (s *ControllerControl) GetAxisParameter(args *AxisParameterArgs, reply *string) error {
	value, err := s.controller.GetAxisParameter(args.Axis, args.Name)
	*reply = value
	return err
}

// Load configures one acquisition on the master axis.
func (s *ControllerControl) Load(args *LoadArgs, reply *bool) error {
	UpdateLogger.Printf("Load: axis=%d itime=%g reps=%d", args.Axis, args.IntegrationTime, args.Repetitions)
	if err := s.controller.Load(args.Axis, args.IntegrationTime, args.Repetitions); err != nil {
		*reply = false
		return err
	}
	s.broadcastUpdate()
	*reply = true
	return nil
}

// StartAll arms and triggers the loaded acquisition.
func (s *ControllerControl) StartAll(dummy *string, reply *bool) error {
	UpdateLogger.Printf("StartAll")
	if err := s.controller.StartAll(); err != nil {
		*reply = false
		return err
	}
	cfg := s.controller.Config()
	s.activeRun = &runjournal.AcquisitionMessage{
		ID:              s.controller.RunID(),
		ServerID:        Build.Summary,
		Sync:            cfg.Sync.String(),
		IntegrationTime: cfg.IntegrationTime,
		Repetitions:     cfg.Repetitions,
		Outcome:         "started",
		Start:           time.Now(),
	}
	s.journal.RecordAcquisition(s.activeRun)
	s.broadcastUpdate()
	*reply = true
	return nil
}

// ReadAll polls the appliance and drains the data stream by one step.
func (s *ControllerControl) ReadAll(dummy *string, reply *bool) error {
	if err := s.controller.ReadAll(); err != nil {
		s.finishRun("faulted")
		*reply = false
		return err
	}
	if s.controller.Complete() {
		s.finishRun("complete")
		s.writeFrame()
		s.broadcastUpdate()
	}
	*reply = true
	return nil
}

// ReadOne returns the decoded result for one axis.
func (s *ControllerControl) ReadOne(args *AxisArg, reply *Reading) error {
	reading, err := s.controller.ReadOne(args.Axis)
	*reply = reading
	return err
}

// AbortOne disarms the capture engine, best-effort.
func (s *ControllerControl) AbortOne(dummy *string, reply *bool) error {
	UpdateLogger.Printf("AbortOne")
	s.controller.AbortOne()
	s.finishRun("aborted")
	s.broadcastUpdate()
	*reply = true
	return nil
}

// StopOne closes the capture gate and disarms, best-effort.
func (s *ControllerControl) StopOne(dummy *string, reply *bool) error {
	UpdateLogger.Printf("StopOne")
	s.controller.StopOne()
	s.finishRun("stopped")
	s.broadcastUpdate()
	*reply = true
	return nil
}

// StateAll polls the appliance status.
func (s *ControllerControl) StateAll(dummy *string, reply *StateReply) error {
	code, status, err := s.controller.StateAll()
	reply.State = code.String()
	reply.Status = status
	return err
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *ControllerControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastUpdate()
	*reply = true
	return nil
}

func (s *ControllerControl) finishRun(outcome string) {
	if s.activeRun == nil {
		return
	}
	s.activeRun.Outcome = outcome
	s.activeRun.Channels = s.controller.Header().Channels
	if frame := s.controller.Frame(); frame != nil {
		s.activeRun.RowsCaptured = frame.NumRows()
	}
	s.journal.FinishAcquisition(s.activeRun)
	s.activeRun = nil
}

func (s *ControllerControl) writeFrame() {
	if s.npyDir == "" {
		return
	}
	frame := s.controller.Frame()
	if frame == nil {
		return
	}
	fullname, err := npyout.WriteFrame(s.npyDir, s.controller.RunID(), frame.Matrix())
	if err != nil {
		ProblemLogger.Printf("could not write frame dump: %v", err)
		return
	}
	UpdateLogger.Printf("wrote frame dump %s", fullname)
}

func (s *ControllerControl) broadcastUpdate() {
	s.status.State = s.controller.State().String()
	s.status.Status = s.controller.StatusText()
	s.status.Sync = s.controller.Synchronization().String()
	s.status.RunID = s.controller.RunID()
	s.status.Channels = s.controller.Header().Channels
	s.status.Rows = 0
	if frame := s.controller.Frame(); frame != nil {
		s.status.Rows = frame.NumRows()
	}
	message, err := json.Marshal(s.status)
	if err != nil {
		return
	}
	select {
	case s.clientUpdates <- ClientUpdate{tag: "STATUS", message: message}:
	default: // no publisher draining; don't stall the lifecycle
	}
}

// restoreBindings replays axis bindings persisted by earlier sessions.
func (s *ControllerControl) restoreBindings() {
	stored := viper.GetStringMap("bindings")
	for key := range stored {
		var axis int
		if _, err := fmt.Sscanf(key, "axis%d", &axis); err != nil {
			continue
		}
		s.controller.AddDevice(axis)
		for _, name := range []string{"AcquisitionMode", "ChannelName"} {
			value := viper.GetString(fmt.Sprintf("bindings.%s.%s", key, name))
			if value == "" {
				continue
			}
			if err := s.controller.SetAxisParameter(axis, name, value); err != nil {
				ProblemLogger.Printf("stored binding %s.%s=%q rejected: %v", key, name, value, err)
			}
		}
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server wrapping the
// given controller.
func RunRPCServer(controller *AcquisitionController, journal *runjournal.Connection,
	messageChan chan<- ClientUpdate, portrpc int) {

	control := &ControllerControl{
		controller:    controller,
		journal:       journal,
		npyDir:        viper.GetString("framedir"),
		clientUpdates: messageChan,
	}
	control.restoreBindings()

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			control.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(control)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		ProblemLogger.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			ProblemLogger.Fatal("accept error: " + err.Error())
		} else {
			UpdateLogger.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
