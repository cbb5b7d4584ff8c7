package tracking

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes frames and wire payloads deterministically, so an
// interpolated frame has exactly one byte form.
var encMode cbor.EncMode

// decMode is lenient about unknown and duplicate keys so newer services can
// add fields.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes v as canonical CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns a CBOR encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// MarshalFrame returns the byte form of a tracking frame as used by
// Connection.FrameSize and Connection.InterpolateFrame.
func MarshalFrame(e *TrackingEvent) ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return data, nil
}

// UnmarshalFrame decodes a frame produced by MarshalFrame into dst,
// reusing dst's Hands allocation where possible.
func UnmarshalFrame(data []byte, dst *TrackingEvent) error {
	hands := dst.Hands[:0]
	*dst = TrackingEvent{Hands: hands}
	if err := decMode.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
