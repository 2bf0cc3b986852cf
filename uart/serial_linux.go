//go:build linux

package uart

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SerialPort is a local serial device in raw mode. Break, baud rate and
// modem lines are driven through termios ioctls so that a break condition
// can be held for as long as the protocol needs it.
type SerialPort struct {
	f *os.File
}

func openSerial(path string) (*SerialPort, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p := &SerialPort{f: f}
	if err := p.configure(DefaultBaudRate); err != nil {
		f.Close()
		return nil, err
	}
	log.Infof("opened %v at %v baud", path, DefaultBaudRate)
	return p, nil
}

// configure sets the port to raw 8N1 mode at the given rate. Raw mode is
// required so the binary mode tags pass through unmodified.
func (p *SerialPort) configure(baud int) error {
	fd := int(p.f.Fd())

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	tio.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD

	// BOTHER takes the rate from Ispeed/Ospeed, which also covers the
	// non-standard rates like 1333333.
	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= unix.BOTHER
	tio.Ispeed = uint32(baud)
	tio.Ospeed = uint32(baud)

	// Blocking read, return after at least 1 byte.
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS2, tio); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (p *SerialPort) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	log.Debugf("uart read b='%# x', n=%v, err=%v", b[:n], n, err)
	return n, err
}

func (p *SerialPort) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	log.Debugf("uart write b='%# x', n=%v, err=%v", b, n, err)
	return n, err
}

// SetBreak asserts or clears a break condition. The condition is held
// until explicitly cleared.
func (p *SerialPort) SetBreak(on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = unix.TIOCSBRK
	}
	log.Debugf("uart break=%v", on)
	return unix.IoctlSetInt(int(p.f.Fd()), req, 0)
}

func (p *SerialPort) SetBaudRate(baud int) error {
	log.Infof("switching host uart to %v baud", baud)
	return p.configure(baud)
}

func (p *SerialPort) ResetInput() error {
	return unix.IoctlSetInt(int(p.f.Fd()), unix.TCFLSH, unix.TCIFLUSH)
}

// SetDTR raises or drops the DTR modem line.
func (p *SerialPort) SetDTR(on bool) error {
	req := uint(unix.TIOCMBIC)
	if on {
		req = unix.TIOCMBIS
	}
	return unix.IoctlSetPointerInt(int(p.f.Fd()), req, unix.TIOCM_DTR)
}

// Reset pulses DTR to reset the target, the way USB-serial adapters wire
// DTR to the reset line. delay is the settle time on either edge. With
// clearRx set, input buffered during the reset is discarded.
func (p *SerialPort) Reset(delay time.Duration, clearRx bool) error {
	log.Infof("resetting target via DTR pulse")
	if err := p.SetDTR(true); err != nil {
		return err
	}
	time.Sleep(delay)
	if err := p.SetDTR(false); err != nil {
		return err
	}
	time.Sleep(delay)
	if clearRx {
		return p.ResetInput()
	}
	return nil
}

func (p *SerialPort) Close() error {
	return p.f.Close()
}
