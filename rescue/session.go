// Package rescue drives a device's serial rescue-mode protocol: entering
// rescue, selecting modes, negotiating baud rates and moving bulk
// payloads. All operations are synchronous and strictly request/response;
// a session must not be shared between goroutines, and after a timeout
// the protocol state is undefined until Enter succeeds again.
package rescue

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/openrescue/rescuectl/console"
	"github.com/openrescue/rescuectl/uart"
	"github.com/openrescue/rescuectl/xmodem"
)

const ackPattern = `(ok|error):(.*)\r\n`

// Target resets the device out of band, typically by pulsing a reset
// line. clearRx discards input buffered on the host during the reset.
type Target interface {
	Reset(delay time.Duration, clearRx bool) error
}

// Session owns a port for the duration of a rescue interaction. At most
// one protocol exchange is in flight at any time.
type Session struct {
	port   uart.Port
	target Target
	con    *console.Waiter

	// ResetDelay is the settle time handed to the target reset.
	ResetDelay time.Duration
	// EnterTimeout bounds the wait for the rescue banner.
	EnterTimeout time.Duration

	ackTimeout time.Duration
}

// NewSession wraps port. target may be nil when no reset mechanism is
// available; Enter(true) then fails.
func NewSession(port uart.Port, target Target) *Session {
	return &Session{
		port:         port,
		target:       target,
		con:          console.NewWaiter(port),
		ResetDelay:   50 * time.Millisecond,
		EnterTimeout: 5 * time.Second,
		ackTimeout:   time.Second,
	}
}

// Enter puts the device into rescue mode: assert break, optionally reset
// the target, wait for the rescue banner, clear break. The break is
// cleared even when the banner never arrives, so a failed entry does not
// leave the line jammed.
func (s *Session) Enter(resetTarget bool) error {
	log.Info("setting serial break to trigger rescue mode")
	if err := s.port.SetBreak(true); err != nil {
		return err
	}
	if resetTarget {
		if s.target == nil {
			s.port.SetBreak(false)
			return errors.New("rescue: no reset target configured")
		}
		if err := s.target.Reset(s.ResetDelay, true); err != nil {
			s.port.SetBreak(false)
			return err
		}
	}
	if _, err := s.con.WaitFor(`rescue:.*\r\n`, s.EnterTimeout); err != nil {
		if cerr := s.port.SetBreak(false); cerr != nil {
			log.Warnf("clearing serial break after failed entry: %v", cerr)
		}
		return err
	}
	log.Info("rescue triggered, clearing serial break")
	if err := s.port.SetBreak(false); err != nil {
		return err
	}
	// Upon entry, rescue announces what mode it is in. That line is
	// optional and racy, so it is consumed best-effort and discarded.
	if _, err := s.con.WaitFor(ackPattern, s.ackTimeout); err != nil {
		log.Debugf("discarding rescue entry acknowledgement: %v", err)
	}
	return nil
}

// SetMode selects a protocol mode: the 4 tag bytes plus a carriage
// return, answered by a mode echo and an ok/error status line.
func (s *Session) SetMode(mode ModeTag) error {
	tag := mode.Bytes()
	if _, err := s.port.Write(tag[:]); err != nil {
		return err
	}
	if _, err := s.port.Write([]byte{'\r'}); err != nil {
		return err
	}
	pattern := fmt.Sprintf(`mode: %s\r\n`, regexp.QuoteMeta(mode.String())) + ackPattern
	result, err := s.con.WaitFor(pattern, s.ackTimeout)
	if err != nil {
		return err
	}
	if result[1] == "error" {
		return &BadModeError{Msg: result[2]}
	}
	return nil
}

// SetSpeed negotiates a new baud rate. The host side only switches after
// the device acknowledges; the device is assumed to have switched its own
// UART by the time it sends the ok at the old rate. That assumption is
// not verified here.
func (s *Session) SetSpeed(baud int) error {
	symbol, ok := baudSymbols[baud]
	if !ok {
		return &BadModeError{Msg: fmt.Sprintf("unsupported baud rate %v", baud)}
	}

	// Tell the device the next 4 bytes are a baud symbol, not a mode.
	if err := s.SetMode(ModeBaud); err != nil {
		return err
	}

	if _, err := s.port.Write([]byte(symbol)); err != nil {
		return err
	}
	result, err := s.con.WaitFor(ackPattern, s.ackTimeout)
	if err != nil {
		return err
	}
	if result[1] == "error" {
		return &BadModeError{Msg: result[2]}
	}

	return s.port.SetBaudRate(baud)
}

// Wait selects the idle/hold mode.
func (s *Session) Wait() error {
	return s.SetMode(ModeWait)
}

// Reboot makes the device reset and leave rescue mode.
func (s *Session) Reboot() error {
	return s.SetMode(ModeReboot)
}

// Send transfers data to the target selected by the last SetMode.
func (s *Session) Send(data []byte) error {
	xm := xmodem.New()
	return xm.Send(s.link(), data)
}

// Recv transfers a payload from the target selected by the last SetMode.
func (s *Session) Recv() ([]byte, error) {
	var buf bytes.Buffer
	xm := xmodem.New()
	if err := xm.Receive(s.link(), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Session) link() xmodem.Link {
	return &sessionLink{s}
}

// sessionLink hands the session's channel to the transfer codec: writes
// go straight to the port, reads come through the waiter so the codec and
// the pattern matcher never compete for the read side.
type sessionLink struct {
	s *Session
}

func (l *sessionLink) Write(b []byte) (int, error) {
	return l.s.port.Write(b)
}

func (l *sessionLink) ReadByte(timeout time.Duration) (byte, error) {
	return l.s.con.ReadByte(timeout)
}
