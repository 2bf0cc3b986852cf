// Package xmodem implements the XMODEM-CRC block transfer protocol with
// 1 kB blocks, as spoken by rescue firmware for bulk payload transfer.
package xmodem

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Control bytes of the Ward Christensen protocol family.
const (
	SOH byte = 0x01 // 128-byte block header
	STX byte = 0x02 // 1024-byte block header
	EOT byte = 0x04 // End of transmission
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18 // Cancel transfer
	CRC byte = 0x43 // ASCII 'C', receiver requests CRC-16 blocks
	PAD byte = 0x1a // CP/M EOF, pads the tail of the last block
)

const blockSize = 1024

// Link is the byte channel a transfer runs over. ReadByte must return an
// error satisfying errors.Is(err, os.ErrDeadlineExceeded) when no byte
// arrives before the deadline.
type Link interface {
	io.Writer
	ReadByte(timeout time.Duration) (byte, error)
}

// Xmodem transfers a payload over a Link. Construct a fresh instance per
// transfer; block counters are not reusable.
type Xmodem struct {
	// MaxErrors bounds retries per block and handshake polls.
	MaxErrors int
	// AckTimeout bounds the wait for a single protocol byte.
	AckTimeout time.Duration
}

func New() *Xmodem {
	return &Xmodem{MaxErrors: 10, AckTimeout: time.Second}
}

// Send transmits data and returns once the receiver has acknowledged the
// end of transmission. A zero-length payload transfers as a bare EOT.
func (x *Xmodem) Send(link Link, data []byte) error {
	if err := x.waitStart(link); err != nil {
		return err
	}

	blk := byte(1)
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, blockSize)
		for i := range chunk {
			chunk[i] = PAD
		}
		copy(chunk, data[off:end])

		if err := x.sendBlock(link, blk, chunk); err != nil {
			return err
		}
		blk++
	}

	for try := 0; try < x.MaxErrors; try++ {
		if _, err := link.Write([]byte{EOT}); err != nil {
			return err
		}
		b, err := link.ReadByte(x.AckTimeout)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return err
		}
		if b == ACK {
			log.Debugf("xmodem: sent %v bytes in %v blocks", len(data), blk-1)
			return nil
		}
	}
	return errors.New("xmodem: no acknowledgement for end of transmission")
}

// waitStart polls for the receiver's CRC-16 handshake character.
func (x *Xmodem) waitStart(link Link) error {
	for try := 0; try < x.MaxErrors; try++ {
		b, err := link.ReadByte(x.AckTimeout)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return err
		}
		switch b {
		case CRC:
			return nil
		case CAN:
			return errors.New("xmodem: transfer cancelled by receiver")
		}
	}
	return errors.New("xmodem: receiver did not start the transfer")
}

func (x *Xmodem) sendBlock(link Link, num byte, chunk []byte) error {
	frame := make([]byte, 0, len(chunk)+5)
	frame = append(frame, STX, num, ^num)
	frame = append(frame, chunk...)
	c := crc16(chunk)
	frame = append(frame, byte(c>>8), byte(c))

	for try := 0; try < x.MaxErrors; try++ {
		if _, err := link.Write(frame); err != nil {
			return err
		}
		b, err := link.ReadByte(x.AckTimeout)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if err != nil {
			return err
		}
		switch b {
		case ACK:
			return nil
		case NAK:
			log.Debugf("xmodem: block %v rejected, resending", num)
		case CAN:
			return errors.New("xmodem: transfer cancelled by receiver")
		}
	}
	return fmt.Errorf("xmodem: block %v not acknowledged after %v attempts", num, x.MaxErrors)
}

// Receive drives a transfer from the sending side's point of view of the
// device: it polls with 'C', collects blocks into buf and acknowledges
// the final EOT. Trailing padding of the last block is stripped.
func (x *Xmodem) Receive(link Link, buf *bytes.Buffer) error {
	if _, err := link.Write([]byte{CRC}); err != nil {
		return err
	}

	expect := byte(1)
	polls := 0
	for {
		b, err := link.ReadByte(x.AckTimeout)
		if errors.Is(err, os.ErrDeadlineExceeded) {
			polls++
			if polls >= x.MaxErrors {
				return errors.New("xmodem: sender did not start the transfer")
			}
			if _, err := link.Write([]byte{CRC}); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		switch b {
		case STX, SOH:
			n := blockSize
			if b == SOH {
				n = 128
			}
			ok, err := x.recvBlock(link, expect, n, buf)
			if err != nil {
				return err
			}
			if ok {
				expect++
			}
		case EOT:
			if _, err := link.Write([]byte{ACK}); err != nil {
				return err
			}
			trimPadding(buf)
			log.Debugf("xmodem: received %v bytes", buf.Len())
			return nil
		case CAN:
			return errors.New("xmodem: transfer cancelled by sender")
		}
	}
}

// recvBlock reads one block body and either acknowledges it into buf or
// rejects it with NAK. A repeat of the previous block number is
// acknowledged but discarded.
func (x *Xmodem) recvBlock(link Link, expect byte, n int, buf *bytes.Buffer) (bool, error) {
	num, err := link.ReadByte(x.AckTimeout)
	if err != nil {
		return false, err
	}
	inv, err := link.ReadByte(x.AckTimeout)
	if err != nil {
		return false, err
	}

	body := make([]byte, n)
	for i := 0; i < n; i++ {
		body[i], err = link.ReadByte(x.AckTimeout)
		if err != nil {
			return false, err
		}
	}
	hi, err := link.ReadByte(x.AckTimeout)
	if err != nil {
		return false, err
	}
	lo, err := link.ReadByte(x.AckTimeout)
	if err != nil {
		return false, err
	}

	if num != ^inv || crc16(body) != uint16(hi)<<8|uint16(lo) {
		log.Warnf("xmodem: bad frame for block %v, rejecting", num)
		_, err := link.Write([]byte{NAK})
		return false, err
	}
	if num == expect-1 {
		// Sender missed our ACK and repeated the block.
		_, err := link.Write([]byte{ACK})
		return false, err
	}
	if num != expect {
		if _, err := link.Write([]byte{CAN, CAN}); err != nil {
			return false, err
		}
		return false, fmt.Errorf("xmodem: block %v out of sequence, expected %v", num, expect)
	}

	buf.Write(body)
	_, err = link.Write([]byte{ACK})
	return true, err
}

func trimPadding(buf *bytes.Buffer) {
	b := buf.Bytes()
	n := len(b)
	for n > 0 && b[n-1] == PAD {
		n--
	}
	buf.Truncate(n)
}

// crc16 is CRC-16/XMODEM: polynomial 0x1021, zero init.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
