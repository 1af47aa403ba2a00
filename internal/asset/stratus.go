package asset

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf asset record kept in object storage.
const (
	stratusFieldID          protowire.Number = 1
	stratusFieldType        protowire.Number = 2
	stratusFieldLocal       protowire.Number = 3
	stratusFieldTemporary   protowire.Number = 4
	stratusFieldCreateTime  protowire.Number = 5
	stratusFieldName        protowire.Number = 6
	stratusFieldDescription protowire.Number = 7
	stratusFieldData        protowire.Number = 8
)

var ErrMalformedRecord = errors.New("asset: malformed object storage record")

// Stratus is an asset fetched from object storage. The payload is held
// unframed, so range extraction never has a buffer walk to fail.
type Stratus struct {
	Header
	// FullType is the type as stored; Header.Type is its low byte.
	FullType int32
	Data     []byte
}

func (s *Stratus) ID() string                { return s.Header.ID }
func (s *Stratus) Type() Type                { return s.Header.Type }
func (s *Stratus) Len() int                  { return len(s.Data) }
func (s *Stratus) PayloadSize() (int, error) { return len(s.Data), nil }

func (s *Stratus) CopyRange(r *Range) (Extract, error) {
	return sliceRange(s.Data, r), nil
}

// DecodeStratus parses a protobuf asset record. id is the identifier the
// record was requested under; the stored id field is not trusted.
func DecodeStratus(id string, b []byte) (*Stratus, error) {
	s := &Stratus{Header: Header{ID: id}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num >= stratusFieldType && num <= stratusFieldCreateTime:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case stratusFieldType:
				s.FullType = int32(v)
				s.Header.Type = Type(byte(s.FullType))
			case stratusFieldLocal:
				s.Local = protowire.DecodeBool(v)
			case stratusFieldTemporary:
				s.Temporary = protowire.DecodeBool(v)
			case stratusFieldCreateTime:
				s.CreateTime = uint32(v)
			}

		case typ == protowire.BytesType && (num == stratusFieldName || num == stratusFieldDescription || num == stratusFieldData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case stratusFieldName:
				s.Name = string(v)
			case stratusFieldDescription:
				s.Description = string(v)
			case stratusFieldData:
				s.Data = cloneBytes(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return s, nil
}

// EncodeStratus renders s as a protobuf asset record.
func EncodeStratus(s *Stratus) []byte {
	var b []byte
	b = protowire.AppendTag(b, stratusFieldID, protowire.BytesType)
	b = protowire.AppendString(b, s.Header.ID)
	b = protowire.AppendTag(b, stratusFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(s.FullType)))
	b = protowire.AppendTag(b, stratusFieldLocal, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.Local))
	b = protowire.AppendTag(b, stratusFieldTemporary, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(s.Temporary))
	b = protowire.AppendTag(b, stratusFieldCreateTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.CreateTime))
	b = protowire.AppendTag(b, stratusFieldName, protowire.BytesType)
	b = protowire.AppendString(b, s.Name)
	b = protowire.AppendTag(b, stratusFieldDescription, protowire.BytesType)
	b = protowire.AppendString(b, s.Description)
	b = protowire.AppendTag(b, stratusFieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, s.Data)
	return b
}
