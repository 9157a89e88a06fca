package fls

import (
	"bytes"
	"encoding/binary"
)

// accessCodePoison overwrites the execution slot when the code is unloaded,
// so a stale routine can never be entered.
const accessCodePoison = 0xDEADBEEF

// AccessCode models the relocated flash command routine. The resident image
// is copied into a RAM execution slot before an erase or write job starts and
// poisoned once the job ends. Erase and program sequences only run through
// Execute, which refuses to run a slot that does not hold the image.
//
// How the routine is executed is platform specific; this type keeps only the
// load, unload and guard semantics.
type AccessCode struct {
	image  []byte
	slot   []byte
	loaded JobKind
	loads  int
}

// NewAccessCode creates an access code with the given resident image. The
// execution slot starts poisoned.
func NewAccessCode(image []byte) *AccessCode {
	a := &AccessCode{
		image: append([]byte(nil), image...),
		slot:  make([]byte, len(image)),
	}
	a.Unload()
	return a
}

// Load copies the resident image into the execution slot.
func (a *AccessCode) Load(kind JobKind) {
	copy(a.slot, a.image)
	a.loaded = kind
	a.loads++
}

// Unload overwrites the execution slot with the poison pattern.
func (a *AccessCode) Unload() {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], accessCodePoison)
	for i := range a.slot {
		a.slot[i] = word[i%4]
	}
	a.loaded = JobNone
}

// Loaded reports whether the slot holds an intact copy of the image.
func (a *AccessCode) Loaded() bool {
	return a.loaded != JobNone && len(a.image) > 0 && bytes.Equal(a.slot, a.image)
}

// Loads returns how many times the image has been loaded.
func (a *AccessCode) Loads() int {
	return a.loads
}

// Execute runs fn from the execution slot. It fails without calling fn if
// the code is not loaded.
func (a *AccessCode) Execute(fn func() LLDResult) LLDResult {
	if !a.Loaded() {
		pkgLog.Errorf("access code not loaded")
		return LLDFailed
	}
	return fn()
}
