package asset

import (
	"encoding/binary"
	"fmt"
)

const (
	typeLoc      = 32
	localLoc     = 33
	temporaryLoc = 34
	createLoc    = 35
	nameLenLoc   = 39
)

// Container is an asset in the WHIP container format:
//
//	[0:32]  id
//	[32]    type
//	[33]    local flag
//	[34]    temporary flag
//	[35:39] create time, big endian
//	[39]    name length, name
//	        description length, description
//	        payload length (4 bytes, big endian), payload
//
// The payload location is found by walking the variable length fields
// on every access; a Container keeps nothing but the raw buffer and is
// never mutated after Decode.
type Container struct {
	buf []byte
}

// Decode validates buf as a container and wraps it. buf is retained,
// not copied.
func Decode(buf []byte) (*Container, error) {
	c := &Container{buf: buf}
	loc, n, err := c.locate()
	if err != nil {
		return nil, err
	}
	if loc+n > len(buf) {
		return nil, fmt.Errorf("%w: payload of %d bytes at offset %d, buffer is %d bytes", ErrTruncated, n, loc, len(buf))
	}
	return c, nil
}

// Encode builds a container from a header and payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(h.ID) != IDLen {
		return nil, ErrBadID
	}
	if len(h.Name) > 255 || len(h.Description) > 255 {
		return nil, ErrFieldTooLong
	}
	size := nameLenLoc + 1 + len(h.Name) + 1 + len(h.Description) + 4 + len(payload)
	buf := make([]byte, 0, size)
	buf = append(buf, h.ID...)
	buf = append(buf, byte(h.Type), boolByte(h.Local), boolByte(h.Temporary))
	buf = binary.BigEndian.AppendUint32(buf, h.CreateTime)
	buf = append(buf, byte(len(h.Name)))
	buf = append(buf, h.Name...)
	buf = append(buf, byte(len(h.Description)))
	buf = append(buf, h.Description...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// locate walks the variable length fields and returns the payload offset
// and the declared payload length.
func (c *Container) locate() (loc, n int, err error) {
	cur := nameLenLoc
	if cur >= len(c.buf) {
		return 0, 0, ErrTruncated
	}
	cur += int(c.buf[cur]) + 1
	if cur >= len(c.buf) {
		return 0, 0, ErrTruncated
	}
	cur += int(c.buf[cur]) + 1
	if cur+4 > len(c.buf) {
		return 0, 0, ErrTruncated
	}
	n = int(binary.BigEndian.Uint32(c.buf[cur : cur+4]))
	return cur + 4, n, nil
}

func (c *Container) ID() string { return string(c.buf[:IDLen]) }

func (c *Container) Type() Type { return Type(c.buf[typeLoc]) }

func (c *Container) IsLocal() bool { return c.buf[localLoc] == 1 }

func (c *Container) Len() int { return len(c.buf) }

// Bytes returns the raw container encoding. Callers must not modify it.
func (c *Container) Bytes() []byte { return c.buf }

func (c *Container) PayloadSize() (int, error) {
	_, n, err := c.locate()
	return n, err
}

// Header decodes the metadata fields.
func (c *Container) Header() (Header, error) {
	if _, _, err := c.locate(); err != nil {
		return Header{}, err
	}
	nameLen := int(c.buf[nameLenLoc])
	descLoc := nameLenLoc + 1 + nameLen
	descLen := int(c.buf[descLoc])
	return Header{
		ID:          c.ID(),
		Type:        c.Type(),
		Local:       c.IsLocal(),
		Temporary:   c.buf[temporaryLoc] == 1,
		CreateTime:  binary.BigEndian.Uint32(c.buf[createLoc:nameLenLoc]),
		Name:        string(c.buf[nameLenLoc+1 : descLoc]),
		Description: string(c.buf[descLoc+1 : descLoc+1+descLen]),
	}, nil
}

func (c *Container) CopyRange(r *Range) (Extract, error) {
	loc, n, err := c.locate()
	if err != nil {
		return Extract{}, err
	}
	if r == nil {
		if loc+n > len(c.buf) {
			return Extract{}, fmt.Errorf("%w: copying %d bytes at offset %d", ErrTruncated, n, loc)
		}
		return fullExtract(c.buf[loc : loc+n]), nil
	}
	if n == 0 {
		return Extract{}, nil
	}
	start, end := r.clamp(int64(n))
	if int64(loc)+end >= int64(len(c.buf)) {
		return Extract{}, ErrRangeOverflow
	}
	return Extract{
		Data:  cloneBytes(c.buf[int64(loc)+start : int64(loc)+end+1]),
		Start: start,
		End:   end,
		Total: int64(n),
	}, nil
}
