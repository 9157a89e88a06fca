package fls

import "fmt"

// APIID identifies the driver entry point an error was detected in.
type APIID uint8

// Service IDs.
const (
	APIInit           APIID = 0x00
	APIErase          APIID = 0x01
	APIWrite          APIID = 0x02
	APICancel         APIID = 0x03
	APIGetStatus      APIID = 0x04
	APIGetJobResult   APIID = 0x05
	APIMainFunction   APIID = 0x06
	APIRead           APIID = 0x07
	APICompare        APIID = 0x08
	APISetMode        APIID = 0x09
	APIBlankCheck     APIID = 0x0A
	APIDeInit         APIID = 0x0B
	APIGetVersionInfo APIID = 0x10
)

var apiNames = map[APIID]string{
	APIInit:           "Init",
	APIErase:          "Erase",
	APIWrite:          "Write",
	APICancel:         "Cancel",
	APIGetStatus:      "GetStatus",
	APIGetJobResult:   "GetJobResult",
	APIMainFunction:   "MainFunction",
	APIRead:           "Read",
	APICompare:        "Compare",
	APISetMode:        "SetMode",
	APIBlankCheck:     "BlankCheck",
	APIDeInit:         "DeInit",
	APIGetVersionInfo: "GetVersionInfo",
}

func (a APIID) String() string {
	if name, ok := apiNames[a]; ok {
		return name
	}
	return fmt.Sprintf("api 0x%02X", uint8(a))
}

// DevErrorCode is a development (usage) error. It implements error so the
// codes can be used as sentinels with errors.Is.
type DevErrorCode uint8

// Development error codes.
const (
	ErrParamConfig  DevErrorCode = 0x01
	ErrParamAddress DevErrorCode = 0x02
	ErrParamLength  DevErrorCode = 0x03
	ErrParamData    DevErrorCode = 0x04
	ErrUninit       DevErrorCode = 0x05
	ErrBusy         DevErrorCode = 0x06
	ErrTimeout      DevErrorCode = 0x09
	ErrParamPointer DevErrorCode = 0x0A
	ErrUnsupported  DevErrorCode = 0x0C
)

func (c DevErrorCode) Error() string {
	switch c {
	case ErrParamConfig:
		return "invalid configuration"
	case ErrParamAddress:
		return "invalid address"
	case ErrParamLength:
		return "invalid length"
	case ErrParamData:
		return "invalid data buffer"
	case ErrUninit:
		return "driver not initialised"
	case ErrBusy:
		return "driver busy"
	case ErrTimeout:
		return "hardware timeout"
	case ErrParamPointer:
		return "invalid pointer"
	case ErrUnsupported:
		return "service not enabled"
	default:
		return fmt.Sprintf("development error 0x%02X", uint8(c))
	}
}

// UsageError is returned when a service call is rejected. The job state is
// never modified by a rejected call.
type UsageError struct {
	API  APIID
	Code DevErrorCode
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("fls: %v rejected: %v", e.API, e.Code)
}

func (e *UsageError) Unwrap() error { return e.Code }

// RuntimeErrorCode is a hardware failure observed while a job runs.
type RuntimeErrorCode uint8

// Runtime error codes.
const (
	RuntimeEraseFailed   RuntimeErrorCode = 0x01
	RuntimeWriteFailed   RuntimeErrorCode = 0x02
	RuntimeReadFailed    RuntimeErrorCode = 0x03
	RuntimeCompareFailed RuntimeErrorCode = 0x04
	RuntimeTimeout       RuntimeErrorCode = 0x05
)

func (c RuntimeErrorCode) String() string {
	switch c {
	case RuntimeEraseFailed:
		return "erase failed"
	case RuntimeWriteFailed:
		return "write failed"
	case RuntimeReadFailed:
		return "read failed"
	case RuntimeCompareFailed:
		return "compare failed"
	case RuntimeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("runtime error 0x%02X", uint8(c))
	}
}

// ErrorReporter receives development and runtime errors. Implementations must
// not block and must not panic.
type ErrorReporter interface {
	ReportError(moduleID uint16, instanceID uint8, api APIID, code DevErrorCode)
	ReportRuntimeError(moduleID uint16, instanceID uint8, api APIID, code RuntimeErrorCode)
}

// logReporter is the default sink; it forwards to the package logger.
type logReporter struct{}

func (logReporter) ReportError(moduleID uint16, instanceID uint8, api APIID, code DevErrorCode) {
	pkgLog.Warnf("det: module %d instance %d %v: %v", moduleID, instanceID, api, code)
}

func (logReporter) ReportRuntimeError(moduleID uint16, instanceID uint8, api APIID, code RuntimeErrorCode) {
	pkgLog.Errorf("runtime: module %d instance %d %v: %v", moduleID, instanceID, api, code)
}
