// Package uart provides the byte-serial link a rescue session runs over,
// either a local serial device or a TCP bridge (ser2net style).
package uart

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBaudRate is the rate rescue firmware talks at right after reset.
const DefaultBaudRate = 115200

// Port is a byte-serial link with the line-level controls the rescue
// protocol needs on top of plain reads and writes.
type Port interface {
	io.ReadWriter
	// SetBreak asserts or clears a break condition on the line.
	SetBreak(on bool) error
	// SetBaudRate switches the host side of the link to a new rate.
	SetBaudRate(baud int) error
	// ResetInput discards bytes received but not yet read.
	ResetInput() error
	Close() error
}

// Open attaches to a device via a serial device node or a tcp socket.
// Use socket://[host]:[port] (or tcp://) for a network bridge, a plain
// device path for a direct serial connection.
func Open(link string) (Port, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}

	if (u.Scheme == "socket") || (u.Scheme == "tcp") {
		conn, err := net.Dial("tcp", u.Host)
		if err != nil {
			return nil, err
		}
		conn.(*net.TCPConn).SetKeepAlive(true)
		conn.(*net.TCPConn).SetKeepAlivePeriod(30 * time.Second)
		log.Infof("connected to %v", u.Host)
		return &netPort{conn: conn}, nil
	} else if (u.Scheme == "file") || (u.Scheme == "") {
		return openSerial(u.Path)
	}

	return nil, fmt.Errorf("can not find a valid connection string in %q", link)
}

// netPort adapts a TCP bridge to the Port interface. Line-level controls
// are handled on the far side of the bridge, so break and rate changes
// only log what they would have done.
type netPort struct {
	conn net.Conn
}

func (p *netPort) Read(b []byte) (int, error) {
	n, err := p.conn.Read(b)
	log.Debugf("uart read b='%# x', n=%v, err=%v", b[:n], n, err)
	return n, err
}

func (p *netPort) Write(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	log.Debugf("uart write b='%# x', n=%v, err=%v", b, n, err)
	return n, err
}

func (p *netPort) SetBreak(on bool) error {
	log.Debugf("uart bridge: ignoring break=%v", on)
	return nil
}

func (p *netPort) SetBaudRate(baud int) error {
	log.Debugf("uart bridge: ignoring baud rate change to %v", baud)
	return nil
}

func (p *netPort) ResetInput() error {
	p.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	defer p.conn.SetReadDeadline(time.Time{})
	b := make([]byte, 256)
	for {
		n, err := p.conn.Read(b)
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (p *netPort) Close() error {
	return p.conn.Close()
}
