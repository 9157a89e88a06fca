package fls

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// The FlashLink interface allows low-level interaction with a remote flash
// device in a transport-agnostic fashion. ExternalFlash drives one link per
// external unit.
type FlashLink interface {
	Connect() error
	Disconnect()
	GetVersion() (LinkInfo, error)
	ReadFlash(address uint32, length uint16) ([]byte, error)
	WriteFlash(address uint32, data []byte) error
	EraseFlash(address uint32, numRows uint16) error
	CalculateChecksum(address uint32, length uint16) (uint16, error)
	Reset() error
}

// LinkInfo holds the results of the Request Version command.
type LinkInfo struct {
	VersionMinor, VersionMajor int
	MaxPacketSize              int
	DeviceID                   int
	EraseRowSize               int
	WriteRowSize               int
}

const (
	commandGetVersion        = 0x00
	commandReadFlash         = 0x01
	commandWriteFlash        = 0x02
	commandEraseFlash        = 0x03
	commandCalculateChecksum = 0x08
	commandReset             = 0x09
)

const (
	linkSync             = 0x55
	linkHeaderLength     = 9
	respLengthGetVersion = 16
)

// Command result codes.
const (
	ResultSuccess      = 0x01
	ResultUnsupported  = 0xFF
	ResultAddressError = 0xFE
)

var unlockSequence = [2]byte{0x55, 0xAA}

// GetResponseCodeString returns the string representation of a link response code.
func GetResponseCodeString(code int) string {
	switch code {
	case ResultSuccess:
		return "success"
	case ResultUnsupported:
		return "unsupported"
	case ResultAddressError:
		return "address error"
	default:
		return "invalid response code"
	}
}

// Command represents a link command.
type Command struct {
	Command        uint8
	UnlockSequence [2]byte
	Address        uint32
	Length         uint16
	Data           []byte
	// Response length, excluding the success code.
	responseLength     int
	expectsSuccessCode bool
}

// GetBytes returns the command frame without the sync byte: command, length
// and address little endian, unlock sequence, then data.
func (c Command) GetBytes() []byte {
	if len(c.Data) > 0 {
		c.Length = uint16(len(c.Data))
	}
	b := make([]byte, linkHeaderLength, linkHeaderLength+len(c.Data))
	b[0] = c.Command
	binary.LittleEndian.PutUint16(b[1:], c.Length)
	b[3], b[4] = c.UnlockSequence[0], c.UnlockSequence[1]
	binary.LittleEndian.PutUint32(b[5:], c.Address)
	return append(b, c.Data...)
}

// ParseCommand decodes a frame produced by GetBytes.
func ParseCommand(frame []byte) (Command, error) {
	if len(frame) < linkHeaderLength {
		return Command{}, errors.New("short command frame")
	}
	c := Command{
		Command: frame[0],
		Length:  binary.LittleEndian.Uint16(frame[1:]),
		Address: binary.LittleEndian.Uint32(frame[5:]),
	}
	c.UnlockSequence = [2]byte{frame[3], frame[4]}
	if len(frame) > linkHeaderLength {
		c.Data = frame[linkHeaderLength:]
	}
	return c, nil
}

// GetResponseLength returns the expected number of response bytes.
func (c Command) GetResponseLength() int {
	return c.responseLength
}

// ExpectsSuccessCode returns true if the command expects a success code to be returned.
func (c Command) ExpectsSuccessCode() bool {
	return c.expectsSuccessCode
}

// NewGetVersionCommand returns the representation of the GetVersion command.
func NewGetVersionCommand() Command {
	return Command{
		Command:        commandGetVersion,
		responseLength: respLengthGetVersion,
	}
}

// ParseGetVersionResponse parses the response of the GetVersion command.
func ParseGetVersionResponse(data []byte) (LinkInfo, error) {
	if len(data) != respLengthGetVersion {
		return LinkInfo{}, errors.New("invalid response length")
	}
	return LinkInfo{
		VersionMinor:  int(data[0]),
		VersionMajor:  int(data[1]),
		MaxPacketSize: int(binary.LittleEndian.Uint16(data[2:])),
		DeviceID:      int(binary.LittleEndian.Uint16(data[6:])),
		EraseRowSize:  int(binary.LittleEndian.Uint16(data[10:])),
		WriteRowSize:  int(binary.LittleEndian.Uint16(data[12:])),
	}, nil
}

// EncodeGetVersionResponse is the inverse of ParseGetVersionResponse.
func EncodeGetVersionResponse(info LinkInfo) []byte {
	b := make([]byte, respLengthGetVersion)
	b[0] = byte(info.VersionMinor)
	b[1] = byte(info.VersionMajor)
	binary.LittleEndian.PutUint16(b[2:], uint16(info.MaxPacketSize))
	binary.LittleEndian.PutUint16(b[6:], uint16(info.DeviceID))
	binary.LittleEndian.PutUint16(b[10:], uint16(info.EraseRowSize))
	binary.LittleEndian.PutUint16(b[12:], uint16(info.WriteRowSize))
	return b
}

// NewReadFlashCommand returns the representation of the ReadFlash command.
func NewReadFlashCommand(address uint32, length uint16) Command {
	return Command{
		Command:        commandReadFlash,
		Address:        address,
		Length:         length,
		responseLength: int(length),
	}
}

// NewWriteFlashCommand returns the representation of the WriteFlash command.
func NewWriteFlashCommand(address uint32, data []byte) Command {
	return Command{
		Command:            commandWriteFlash,
		Address:            address,
		Length:             uint16(len(data)),
		Data:               data,
		UnlockSequence:     unlockSequence,
		expectsSuccessCode: true,
	}
}

// NewEraseFlashCommand returns the representation of the EraseFlash command.
func NewEraseFlashCommand(address uint32, numRows uint16) Command {
	return Command{
		Command:            commandEraseFlash,
		Address:            address,
		Length:             numRows,
		UnlockSequence:     unlockSequence,
		expectsSuccessCode: true,
	}
}

// NewCalculateChecksumCommand returns the representation of the CalculateChecksum command.
func NewCalculateChecksumCommand(address uint32, length uint16) Command {
	return Command{
		Command:        commandCalculateChecksum,
		Address:        address,
		Length:         length,
		responseLength: 2,
	}
}

// NewResetCommand returns the representation of the Reset command.
func NewResetCommand() Command {
	return Command{
		Command: commandReset,
	}
}

// LinkChecksum is the checksum the CalculateChecksum command reports: the
// 16-bit sum of the data taken as little endian words. A trailing odd byte
// is added as is.
func LinkChecksum(data []byte) uint16 {
	var sum uint16
	for i := 0; i+1 < len(data); i += 2 {
		sum += binary.LittleEndian.Uint16(data[i:])
	}
	if len(data)%2 != 0 {
		sum += uint16(data[len(data)-1])
	}
	return sum
}
