package fls

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

type streamLink struct {
	open func() (io.ReadWriteCloser, error)
	port io.ReadWriter
	conn io.Closer
}

// NewSerialLink creates a flash link using the serial transport.
func NewSerialLink(port string, baud int) FlashLink {
	cfg := serial.Config{
		Name:        port,
		Baud:        baud,
		ReadTimeout: time.Second,
	}
	return &streamLink{
		open: func() (io.ReadWriteCloser, error) {
			p, err := serial.OpenPort(&cfg)
			if err != nil {
				return nil, err
			}
			// On Linux with USB serial ports, in order for flush to work properly
			// we need to delay a little before flushing to make sure that any
			// received data has made its way up the driver stack.
			time.Sleep(time.Millisecond * 100)
			p.Flush()
			return p, nil
		},
	}
}

// NewStreamLink creates a flash link over an already open stream, such as a
// pipe or a socket to a device emulator.
func NewStreamLink(rw io.ReadWriter) FlashLink {
	return &streamLink{port: rw}
}

func (l *streamLink) Connect() error {
	if l.open == nil {
		return nil
	}
	p, err := l.open()
	if err != nil {
		return errors.Wrap(err, "failed to open link")
	}
	l.port, l.conn = p, p
	return nil
}

func (l *streamLink) Disconnect() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
		l.port = nil
	}
}

func (l *streamLink) recv(count int) ([]byte, error) {
	resp := make([]byte, 0, count)
	buf := make([]byte, count)
	for len(resp) < count {
		n, err := l.port.Read(buf[:count-len(resp)])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("link read timed out")
		}
		resp = append(resp, buf[:n]...)
	}
	return resp, nil
}

func (l *streamLink) send(cmd Command) ([]byte, error) {
	if l.port == nil {
		return nil, errors.New("link not connected")
	}
	tx := append([]byte{linkSync}, cmd.GetBytes()...)
	if _, err := l.port.Write(tx); err != nil {
		return nil, err
	}
	// Wait for the echoed command
	echoLen := len(tx) - len(cmd.Data)
	echo, err := l.recv(echoLen)
	if err != nil {
		return nil, err
	}

	// The device does not echo the unlock sequence.
	for i := 0; i < echoLen; i++ {
		if i != 4 && i != 5 && tx[i] != echo[i] {
			return nil, errors.Errorf("echo mismatch at position %v", i)
		}
	}

	if cmd.ExpectsSuccessCode() {
		code, err := l.recv(1)
		if err != nil {
			return nil, err
		}
		if code[0] != ResultSuccess {
			return nil, errors.Errorf("command returned code %v: %v", code[0], GetResponseCodeString(int(code[0])))
		}
	}
	resp := []byte{}
	if cmd.GetResponseLength() > 0 {
		resp, err = l.recv(cmd.GetResponseLength())
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (l *streamLink) GetVersion() (LinkInfo, error) {
	resp, err := l.send(NewGetVersionCommand())
	if err != nil {
		return LinkInfo{}, err
	}
	info, err := ParseGetVersionResponse(resp)
	if err != nil {
		return LinkInfo{}, errors.Wrap(err, "failed to parse GetVersion response")
	}
	return info, nil
}

func (l *streamLink) ReadFlash(address uint32, length uint16) ([]byte, error) {
	resp, err := l.send(NewReadFlashCommand(address, length))
	if err != nil {
		return nil, errors.Wrap(err, "read flash failed")
	}
	return resp, nil
}

func (l *streamLink) WriteFlash(address uint32, data []byte) error {
	_, err := l.send(NewWriteFlashCommand(address, data))
	return errors.Wrap(err, "write flash failed")
}

func (l *streamLink) EraseFlash(address uint32, numRows uint16) error {
	_, err := l.send(NewEraseFlashCommand(address, numRows))
	return errors.Wrap(err, "erase flash failed")
}

func (l *streamLink) CalculateChecksum(address uint32, length uint16) (uint16, error) {
	resp, err := l.send(NewCalculateChecksumCommand(address, length))
	if err != nil {
		return 0, errors.Wrap(err, "calculate checksum failed")
	}
	return uint16(resp[0]) + 256*uint16(resp[1]), nil
}

func (l *streamLink) Reset() error {
	_, err := l.send(NewResetCommand())
	return errors.Wrap(err, "reset failed")
}
