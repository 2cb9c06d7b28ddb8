package forkdb

import (
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// Decoder reads one value from an underlying stream.
type Decoder interface {
	Decode(val interface{}) error
}

// Encoder writes one value to an underlying stream.
type Encoder interface {
	Encode(val interface{}) error
}

// Codec produces encoders and decoders for cached snapshot values. Disk
// entries are written and read through it so the on-disk format stays in one
// place.
type Codec interface {
	GetEncoder(writer io.Writer) Encoder
	GetDecoder(reader io.Reader, inputLimit uint64) Decoder
}

// rlpCodec serializes snapshot values with RLP, the canonical encoding of
// everything else chain-related.
type rlpCodec struct{}

type rlpEncoder struct{ w io.Writer }

func (e rlpEncoder) Encode(val interface{}) error {
	return rlp.Encode(e.w, val)
}

type rlpDecoder struct{ s *rlp.Stream }

func (d rlpDecoder) Decode(val interface{}) error {
	return d.s.Decode(val)
}

func (rlpCodec) GetEncoder(writer io.Writer) Encoder {
	return rlpEncoder{w: writer}
}

func (rlpCodec) GetDecoder(reader io.Reader, inputLimit uint64) Decoder {
	return rlpDecoder{s: rlp.NewStream(reader, inputLimit)}
}
