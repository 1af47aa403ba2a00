// Package asset holds the binary asset container codec and the asset
// variants served by the gateway.
package asset

import (
	"errors"
	"fmt"
)

// IDLen is the length of an asset id on the wire: a UUID rendered as 32
// hex characters without dashes.
const IDLen = 32

var (
	ErrTruncated     = errors.New("asset: buffer truncated")
	ErrRangeOverflow = errors.New("asset: range end would overflow buffer")
	ErrFieldTooLong  = errors.New("asset: variable length field exceeds 255 bytes")
	ErrBadID         = errors.New("asset: id must be 32 bytes")
)

// Type is the one byte asset type tag.
type Type byte

const (
	TypeTexture Type = 0
	TypeMesh    Type = 49
)

// ContentType returns the MIME type used when delivering an asset of type t.
// Only textures and meshes are deliverable.
func (t Type) ContentType() (string, bool) {
	switch t {
	case TypeTexture:
		return "image/x-j2c", true
	case TypeMesh:
		return "application/vnd.ll.mesh", true
	default:
		return "", false
	}
}

func (t Type) String() string {
	switch t {
	case TypeTexture:
		return "texture"
	case TypeMesh:
		return "mesh"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Asset is the capability set shared by every asset variant: assets
// decoded from WHIP responses (*Container), assets fetched from object
// storage (*Stratus), and either of those while resident in a cache.
type Asset interface {
	ID() string
	Type() Type
	PayloadSize() (int, error)
	// CopyRange copies the payload, or the part of it selected by r,
	// applying the gateway's range policy. A nil r selects everything.
	CopyRange(r *Range) (Extract, error)
	// Len is the number of bytes the asset holds in memory.
	Len() int
}

// Header is the metadata carried in front of the payload.
type Header struct {
	ID          string
	Type        Type
	Local       bool
	Temporary   bool
	CreateTime  uint32
	Name        string
	Description string
}

// Encoded returns the container encoding of a, whatever its variant.
func Encoded(a Asset) ([]byte, error) {
	switch v := a.(type) {
	case *Container:
		return v.Bytes(), nil
	case *Stratus:
		return Encode(v.Header, v.Data)
	default:
		return nil, fmt.Errorf("asset: cannot encode %T", a)
	}
}
