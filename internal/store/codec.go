package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
)

// encMode uses Core Deterministic Encoding so the same state always produces
// identical bytes. Times keep nanosecond precision.
var encMode cbor.EncMode

// decMode ignores unknown fields so older binaries can read newer records.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeState(st *model.RequestState) ([]byte, error) {
	b, err := encMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encoding state %s: %w", st.ID(), err)
	}
	return b, nil
}

func decodeState(b []byte) (*model.RequestState, error) {
	var st model.RequestState
	if err := decMode.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("decoding state: %w", err)
	}
	return &st, nil
}
