package events

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/example/fixer-dispatch/internal/models"
)

const ContentType = "application/cbor"

// Events go to the broker in Core Deterministic CBOR so that replays of the
// same mutation produce identical bytes. Times keep nanoseconds.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serialises an event for the broker.
func Encode(ev models.Event) ([]byte, error) {
	return encMode.Marshal(ev)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (models.Event, error) {
	var ev models.Event
	err := decMode.Unmarshal(b, &ev)
	return ev, err
}
