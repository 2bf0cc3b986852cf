package xmodem

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chanLink is one end of an in-memory duplex byte channel.
type chanLink struct {
	in  chan byte
	out chan byte
}

func newLinkPair() (*chanLink, *chanLink) {
	a := make(chan byte, 1<<15)
	b := make(chan byte, 1<<15)
	return &chanLink{in: a, out: b}, &chanLink{in: b, out: a}
}

func (l *chanLink) Write(p []byte) (int, error) {
	for _, b := range p {
		l.out <- b
	}
	return len(p), nil
}

func (l *chanLink) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-time.After(timeout):
		return 0, os.ErrDeadlineExceeded
	}
}

func TestCRC16(t *testing.T) {
	// CRC-16/XMODEM check value.
	require.Equal(t, uint16(0x31c3), crc16([]byte("123456789")))
	require.Equal(t, uint16(0), crc16(nil))
}

func TestRoundTrip(t *testing.T) {
	big := make([]byte, 2500)
	for i := range big {
		big[i] = byte(i % 251)
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x42}},
		{"short block", bytes.Repeat([]byte{0xa5}, 128)},
		{"exact block", bytes.Repeat([]byte{0x5a}, 1024)},
		{"multi block", big},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			host, dev := newLinkPair()

			done := make(chan error, 1)
			var buf bytes.Buffer
			go func() {
				done <- New().Receive(dev, &buf)
			}()

			require.NoError(t, New().Send(host, tc.data))
			require.NoError(t, <-done)

			if len(tc.data) == 0 {
				require.Empty(t, buf.Bytes())
			} else {
				require.Equal(t, tc.data, buf.Bytes())
			}
		})
	}
}

func TestSendRetriesOnNak(t *testing.T) {
	host, dev := newLinkPair()

	done := make(chan error, 1)
	go func() {
		// Scripted receiver: reject the first copy of block 1, accept
		// the second, then acknowledge EOT.
		if _, err := dev.Write([]byte{CRC}); err != nil {
			done <- err
			return
		}
		for pass := 0; pass < 2; pass++ {
			for i := 0; i < blockSize+5; i++ {
				if _, err := dev.ReadByte(time.Second); err != nil {
					done <- err
					return
				}
			}
			reply := NAK
			if pass == 1 {
				reply = ACK
			}
			if _, err := dev.Write([]byte{reply}); err != nil {
				done <- err
				return
			}
		}
		if _, err := dev.ReadByte(time.Second); err != nil {
			done <- err
			return
		}
		_, err := dev.Write([]byte{ACK})
		done <- err
	}()

	require.NoError(t, New().Send(host, []byte("retry me")))
	require.NoError(t, <-done)
}

func TestSendCancelled(t *testing.T) {
	host, dev := newLinkPair()

	go func() {
		dev.Write([]byte{CRC})
		for i := 0; i < blockSize+5; i++ {
			if _, err := dev.ReadByte(time.Second); err != nil {
				return
			}
		}
		dev.Write([]byte{CAN})
	}()

	err := New().Send(host, []byte("doomed"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "cancelled")
}

func TestReceiveRejectsCorruptBlock(t *testing.T) {
	host, dev := newLinkPair()

	done := make(chan error, 1)
	var buf bytes.Buffer
	go func() {
		done <- New().Receive(dev, &buf)
	}()

	// Wait for the receiver's handshake.
	b, err := host.ReadByte(time.Second)
	require.NoError(t, err)
	require.Equal(t, CRC, b)

	chunk := bytes.Repeat([]byte{0x11}, blockSize)
	frame := []byte{STX, 1, ^byte(1)}
	frame = append(frame, chunk...)
	c := crc16(chunk)
	frame = append(frame, byte(c>>8), byte(c))

	// First copy goes out with a flipped payload byte.
	bad := append([]byte(nil), frame...)
	bad[10] ^= 0xff
	_, err = host.Write(bad)
	require.NoError(t, err)

	b, err = host.ReadByte(time.Second)
	require.NoError(t, err)
	require.Equal(t, NAK, b)

	_, err = host.Write(frame)
	require.NoError(t, err)
	b, err = host.ReadByte(time.Second)
	require.NoError(t, err)
	require.Equal(t, ACK, b)

	_, err = host.Write([]byte{EOT})
	require.NoError(t, err)
	b, err = host.ReadByte(time.Second)
	require.NoError(t, err)
	require.Equal(t, ACK, b)

	require.NoError(t, <-done)
	require.Equal(t, chunk, buf.Bytes())
}
