package tcp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rocketbitz/rma-go/transport"
)

type frameKind uint8

const (
	kindHello frameKind = iota + 1
	kindPut
	kindGet
	kindCAS
	kindFAO
	kindAck
	kindColl
)

func (k frameKind) String() string {
	switch k {
	case kindHello:
		return "hello"
	case kindPut:
		return "put"
	case kindGet:
		return "get"
	case kindCAS:
		return "compare_and_swap"
	case kindFAO:
		return "fetch_and_op"
	case kindAck:
		return "ack"
	case kindColl:
		return "collective"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// maxFrameSize bounds a single frame on the wire.
const maxFrameSize = 64 << 20

// maxPayload bounds the data a single request, reply or contribution may
// carry, leaving room for the frame header.
const maxPayload = maxFrameSize - 1<<10

// frame is the single message type exchanged between ranks. Unused fields
// are omitted on the wire.
type frame struct {
	kind     frameKind
	id       uint64
	window   uint64
	disp     uint64
	key      uint64
	data     []byte
	compare  []byte
	datatype transport.Datatype
	op       transport.Op
	errno    transport.Errno
	length   uint64
	seq      uint64
	rank     int
	job      []byte
	coll     uint8
}

const (
	fieldKind protowire.Number = iota + 1
	fieldID
	fieldWindow
	fieldDisp
	fieldKey
	fieldData
	fieldCompare
	fieldDatatype
	fieldOp
	fieldErrno
	fieldLength
	fieldSeq
	fieldRank
	fieldJob
	fieldColl
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// marshal encodes f as a protobuf message.
func (f *frame) marshal() []byte {
	b := make([]byte, 0, 48+len(f.data)+len(f.compare))
	b = appendVarint(b, fieldKind, uint64(f.kind))
	b = appendVarint(b, fieldID, f.id)
	b = appendVarint(b, fieldWindow, f.window)
	b = appendVarint(b, fieldDisp, f.disp)
	b = appendVarint(b, fieldKey, f.key)
	b = appendBytes(b, fieldData, f.data)
	b = appendBytes(b, fieldCompare, f.compare)
	b = appendVarint(b, fieldDatatype, uint64(f.datatype))
	b = appendVarint(b, fieldOp, uint64(f.op))
	b = appendVarint(b, fieldErrno, protowire.EncodeZigZag(int64(f.errno)))
	b = appendVarint(b, fieldLength, f.length)
	b = appendVarint(b, fieldSeq, f.seq)
	b = appendVarint(b, fieldRank, protowire.EncodeZigZag(int64(f.rank)))
	b = appendBytes(b, fieldJob, f.job)
	b = appendVarint(b, fieldColl, uint64(f.coll))
	return b
}

// unmarshal decodes a message produced by marshal. Unknown fields are
// skipped.
func (f *frame) unmarshal(b []byte) error {
	*f = frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protoError(protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protoError(protowire.ParseError(n))
			}
			b = b[n:]
			f.setVarint(num, v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protoError(protowire.ParseError(n))
			}
			b = b[n:]
			f.setBytes(num, append([]byte{}, v...))
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protoError(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.kind < kindHello || f.kind > kindColl {
		return protoError(fmt.Errorf("unknown frame kind %d", f.kind))
	}
	return nil
}

func (f *frame) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		f.kind = frameKind(v)
	case fieldID:
		f.id = v
	case fieldWindow:
		f.window = v
	case fieldDisp:
		f.disp = v
	case fieldKey:
		f.key = v
	case fieldDatatype:
		f.datatype = transport.Datatype(v)
	case fieldOp:
		f.op = transport.Op(v)
	case fieldErrno:
		f.errno = transport.Errno(protowire.DecodeZigZag(v))
	case fieldLength:
		f.length = v
	case fieldSeq:
		f.seq = v
	case fieldRank:
		f.rank = int(protowire.DecodeZigZag(v))
	case fieldColl:
		f.coll = uint8(v)
	}
}

func (f *frame) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldData:
		f.data = v
	case fieldCompare:
		f.compare = v
	case fieldJob:
		f.job = v
	}
}

// writeFrame writes f with a varint length prefix.
func writeFrame(w io.Writer, f *frame) error {
	body := f.marshal()
	buf := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen64), uint64(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r *bufio.Reader) (*frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, protoError(fmt.Errorf("frame of %d bytes exceeds limit", size))
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	f := &frame{}
	if err := f.unmarshal(body); err != nil {
		return nil, err
	}
	return f, nil
}

func protoError(err error) error {
	return fmt.Errorf("%w: %v", transport.ErrProto.WithOp("decode"), err)
}
