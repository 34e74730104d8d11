package pandabox

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest controller state.

import (
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag     string
	message []byte
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
func RunClientUpdater(messages <-chan ClientUpdate, abort <-chan struct{}, portstatus int) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status publisher: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status publisher to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			if _, err := pubSocket.SendMessage(update.tag, update.message); err != nil {
				ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
			}
		}
	}
}
