// Package frontend owns the listening socket and the per-connection read loops.
//
// Each accepted connection gets a slot and its own goroutine. Frames read from it
// are handed to admission until the connection is assigned to an instance, and to
// the dispatcher and then the instance after that. Frames are processed one at a
// time with the slot lock held, which is what keeps them ordered with transfers.
package frontend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/message"

	"github.com/dcrodman/multiworld/internal/admission"
	"github.com/dcrodman/multiworld/internal/dispatch"
	"github.com/dcrodman/multiworld/internal/instance"
	"github.com/dcrodman/multiworld/internal/localization"
	"github.com/dcrodman/multiworld/internal/packets"
	"github.com/dcrodman/multiworld/internal/session"
)

// Color of messages sent to a player because something they did was refused.
var denyColor = packets.Color{R: 255, G: 80, B: 80}

// Frontend accepts connections and runs their read loops.
type Frontend struct {
	Logger     *logrus.Logger
	Arena      *session.Arena
	Router     *session.Router
	Dispatcher *dispatch.Dispatcher
	Admission  *admission.Machine

	printer atomic.Pointer[message.Printer]

	mu         sync.Mutex
	socket     *net.TCPListener
	acceptDone chan struct{}
	closed     bool

	clients sync.WaitGroup
}

// New creates a Frontend. Nothing is bound until Listen.
func New(logger *logrus.Logger, arena *session.Arena, router *session.Router, d *dispatch.Dispatcher, m *admission.Machine) *Frontend {
	f := &Frontend{Logger: logger, Arena: arena, Router: router, Dispatcher: d, Admission: m}
	f.SetLanguage("en")

	// Clients report their spawn point; mark that section as streamed.
	dispatch.Handle(d, packets.FromClient, 1000, func(e *dispatch.Envelope[*packets.SpawnPlayer]) {
		if slot := arena.Slot(e.Slot); slot != nil {
			slot.Sections.MarkTile(int(e.Packet.SpawnX), int(e.Packet.SpawnY))
		}
	})
	return f
}

// SetLanguage sets the language of kick reasons and denial messages.
func (f *Frontend) SetLanguage(lang string) { f.printer.Store(localization.Printer(lang)) }

func (f *Frontend) text(key string, args ...interface{}) string {
	return f.printer.Load().Sprintf(key, args...)
}

// Addr returns the address currently being listened on, or nil.
func (f *Frontend) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.socket == nil {
		return nil
	}
	return f.socket.Addr()
}

// createSocket opens a TCP socket to listen for client connections on address.
func createSocket(address string) (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s: %w", address, err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}
	return socket, nil
}

// Listen binds address and starts accepting connections in the background.
func (f *Frontend) Listen(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("frontend is shut down")
	}
	if f.socket != nil {
		return fmt.Errorf("already listening on %v", f.socket.Addr())
	}
	socket, err := createSocket(address)
	if err != nil {
		return err
	}
	f.startLocked(socket)
	return nil
}

// Rebind moves the listener to address. The new socket is bound first; if that
// fails the current listener keeps running and the error is returned. Otherwise
// the old accept loop is stopped and drained before the new one starts.
// Connections already accepted are not affected.
func (f *Frontend) Rebind(address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("frontend is shut down")
	}
	socket, err := createSocket(address)
	if err != nil {
		if f.socket != nil {
			return fmt.Errorf("keeping listener on %v: %w", f.socket.Addr(), err)
		}
		return err
	}

	if f.socket != nil {
		f.Logger.Infof("[LISTENER] moving from %v to %v", f.socket.Addr(), socket.Addr())
		f.stopLocked()
	}
	f.startLocked(socket)
	return nil
}

// Shutdown stops accepting, kicks every connection and waits for their loops to
// finish.
func (f *Frontend) Shutdown() {
	f.mu.Lock()
	f.closed = true
	if f.socket != nil {
		f.stopLocked()
	}
	f.mu.Unlock()

	reason := f.text(localization.ServerShutdown)
	f.Arena.Each(func(slot *session.Slot) {
		slot.Terminate(reason)
		if conn := slot.Conn(); conn != nil {
			conn.Kick(reason)
		}
	})

	f.Logger.Info("[LISTENER] shutting down (waiting for connections to close)")
	f.clients.Wait()
	f.Logger.Info("[LISTENER] exited")
}

// startLocked must be called with mu held.
func (f *Frontend) startLocked(socket *net.TCPListener) {
	f.socket = socket
	f.acceptDone = make(chan struct{})
	go f.startBlockingLoop(socket, f.acceptDone)
}

// stopLocked closes the socket and waits for its accept loop. Must be called with
// mu held.
func (f *Frontend) stopLocked() {
	_ = f.socket.Close()
	<-f.acceptDone
	f.socket = nil
	f.acceptDone = nil
}

// startBlockingLoop accepts connections until socket is closed.
func (f *Frontend) startBlockingLoop(socket *net.TCPListener, done chan struct{}) {
	defer close(done)

	f.Logger.Infof("[LISTENER] waiting for connections on %v", socket.Addr())
	for {
		connection, err := socket.AcceptTCP()
		if errors.Is(err, net.ErrClosed) {
			f.Logger.Infof("[LISTENER] stopped listening on %v", socket.Addr())
			return
		} else if err != nil {
			f.Logger.Warnf("[LISTENER] failed to accept connection: %s", err)
			continue
		}
		f.acceptClient(connection)
	}
}

// acceptClient claims a slot for the connection and spins off its read loop.
func (f *Frontend) acceptClient(connection *net.TCPConn) {
	conn := session.NewConn(connection)

	slot, ok := f.Arena.Claim(conn)
	if !ok {
		f.Logger.Infof("[LISTENER] rejected %s: all %d slots in use", conn.RemoteAddr(), f.Arena.Cap())
		conn.Kick(f.text(localization.ServerFull))
		return
	}

	f.Logger.Infof("[LISTENER] accepted connection from %s in slot %d", conn.RemoteAddr(), slot.Index())
	slot.Lock()
	f.Admission.Accept(slot)
	slot.Unlock()

	f.clients.Add(1)
	go f.processPackets(slot, conn)
}

// processPackets reads frames from conn until it closes or the slot is terminated.
func (f *Frontend) processPackets(slot *session.Slot, conn *session.Conn) {
	defer f.clients.Done()
	defer f.closeConnectionAndRecover(slot, conn)

	buffer := make([]byte, 2048)
	var err error

	for {
		var frame []byte
		frame, buffer, err = f.readNextFrame(conn, buffer)
		if err == io.EOF {
			return
		} else if err != nil {
			var violation *dispatch.ViolationError
			if errors.As(err, &violation) {
				slot.Terminate(f.text(localization.ProtocolViolation, violation.Reason))
			} else if terminated, _ := slot.Terminated(); !terminated {
				f.Logger.Debugf("[LISTENER] read from slot %d failed: %s", slot.Index(), err)
			}
			return
		}

		f.processFrame(slot, frame)

		if terminated, _ := slot.Terminated(); terminated {
			return
		}
	}
}

// processFrame handles one frame and then runs anything handlers deferred until
// the slot lock was released.
func (f *Frontend) processFrame(slot *session.Slot, frame []byte) {
	for _, fn := range f.processFrameLocked(slot, frame) {
		fn()
	}
}

func (f *Frontend) processFrameLocked(slot *session.Slot, frame []byte) []func() {
	slot.Lock()
	defer slot.Unlock()

	if slot.State() == session.Pending {
		f.handleError(slot, f.Admission.Handle(slot, frame))
		return slot.TakeDeferred()
	}

	inst := f.Router.Load(slot.Index())
	if inst == nil {
		return slot.TakeDeferred()
	}

	result, err := f.Dispatcher.Dispatch(frame, slot.Index(), inst, packets.FromClient)
	f.handleError(slot, err)
	if result.Message != "" {
		if conn := slot.Conn(); conn != nil {
			conn.Send(packets.ServerChat(result.Message, denyColor), nil)
		}
	}
	if result.Verdict != dispatch.Cancel {
		// The read buffer is reused, so the instance gets its own copy.
		inst.Deliver(slot.Index(), append([]byte(nil), result.Frame...))
	}
	return slot.TakeDeferred()
}

func (f *Frontend) handleError(slot *session.Slot, err error) {
	if err == nil {
		return
	}

	var rejection *admission.Rejection
	var violation *dispatch.ViolationError
	switch {
	case errors.As(err, &rejection):
		f.Logger.Infof("[ADMISSION] %s", rejection)
		slot.Terminate(rejection.Reason)
	case errors.As(err, &violation):
		f.Logger.WithField("slot", slot.Index()).Warnf("[DISPATCH] %s", violation)
		slot.Terminate(f.text(localization.ProtocolViolation, violation.Reason))
	default:
		f.Logger.WithField("slot", slot.Index()).Warnf("[DISPATCH] %s", err)
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, detaches the
// slot from its instance and frees it, regardless of the state of the connection.
func (f *Frontend) closeConnectionAndRecover(slot *session.Slot, conn *session.Conn) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			conn.RemoteAddr(), err, debug.Stack())
		slot.Terminate(f.text(localization.ConnectionError))
	}

	slot.Lock()
	if inst := f.Router.Clear(slot.Index()); inst != nil {
		inst.AnnounceActive(slot.Index(), false)
		inst.Leave(slot.Index())
	}
	slot.Unlock()

	if terminated, reason := slot.Terminated(); terminated {
		conn.Kick(reason)
	} else {
		_ = conn.Close()
	}
	f.Arena.Release(slot)

	f.Logger.Infof("[LISTENER] disconnected %s from slot %d", conn.RemoteAddr(), slot.Index())
}

// readNextFrame is a blocking call that only returns once the client has sent the
// next complete frame. The buffer grows if a frame doesn't fit.
func (f *Frontend) readNextFrame(conn *session.Conn, buffer []byte) ([]byte, []byte, error) {
	if err := readDataFromClient(conn, 2, buffer); err != nil {
		return nil, buffer, err
	}

	frameSize := int(binary.LittleEndian.Uint16(buffer))
	if frameSize < packets.HeaderSize {
		return nil, buffer, &dispatch.ViolationError{Reason: fmt.Sprintf("frame length %d", frameSize), Err: packets.ErrShortFrame}
	}

	// Grow the receive buffer if they send us a frame bigger than its current capacity.
	if frameSize > cap(buffer) {
		newBuf := make([]byte, frameSize)
		copy(newBuf, buffer[:2])
		buffer = newBuf
	}

	if err := readDataFromClient(conn, frameSize-2, buffer[2:frameSize]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, buffer, err
	}
	return buffer[:frameSize], buffer, nil
}

func readDataFromClient(conn *session.Conn, n int, buffer []byte) error {
	received := 0

	for received < n {
		bytesRead, err := conn.Read(buffer[received:n])
		received += bytesRead

		if err == io.EOF && received < n {
			return io.EOF
		} else if err != nil && received < n {
			return fmt.Errorf("socket error (%s): %w", conn.RemoteAddr(), err)
		}
	}
	return nil
}

// SendTo implements instance.Outbound. Frames are only delivered while the slot is
// still routed to from, so nothing an instance sends after a player left it
// reaches that player.
func (f *Frontend) SendTo(from *instance.Instance, index int, frame []byte) {
	if !f.Router.Routes(index, from) {
		return
	}
	slot := f.Arena.Slot(index)
	if slot == nil {
		return
	}
	conn := slot.Conn()
	if conn == nil {
		return
	}

	result, err := f.Dispatcher.Dispatch(frame, index, from, packets.FromServer)
	if err != nil {
		f.Logger.WithFields(logrus.Fields{"slot": index, "instance": from.Name()}).Warnf("[DISPATCH] outbound: %s", err)
		return
	}
	if result.Verdict == dispatch.Cancel {
		return
	}
	conn.Send(result.Frame, func(err error) {
		if err != nil && !errors.Is(err, session.ErrConnClosed) {
			f.Logger.WithField("slot", index).Debugf("[LISTENER] send failed: %s", err)
		}
	})
}
