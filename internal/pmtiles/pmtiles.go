// Package pmtiles reads the PMTiles v3 header of remote archives, which carries
// the archive's bounds and zoom range.
//
// The header codec is a subset of github.com/protomaps/go-pmtiles/pmtiles.
//
// Source: https://github.com/protomaps/go-pmtiles (BSD-3-Clause)
// Spec: https://github.com/protomaps/PMTiles/blob/main/spec/v3/spec.md
package pmtiles

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/paulmach/orb"
)

// Compression is the compression algorithm applied to individual tiles.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

// TileType is the format of individual tile contents.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

// HeaderV3LenBytes is the fixed-size binary header.
const HeaderV3LenBytes = 127

// HeaderV3 is a binary header for PMTiles v3.
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// DeserializeHeader parses a binary header.
func DeserializeHeader(d []byte) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < HeaderV3LenBytes {
		return h, errors.New("buffer too small for header")
	}
	if string(d[0:7]) != "PMTiles" {
		return h, errors.New("magic number not detected")
	}

	h.SpecVersion = d[7]
	h.RootOffset = binary.LittleEndian.Uint64(d[8 : 8+8])
	h.RootLength = binary.LittleEndian.Uint64(d[16 : 16+8])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24 : 24+8])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32 : 32+8])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40 : 40+8])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48 : 48+8])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56 : 56+8])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64 : 64+8])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72 : 72+8])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80 : 80+8])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88 : 88+8])
	h.Clustered = (d[96] == 0x1)
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102 : 102+4]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106 : 106+4]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110 : 110+4]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114 : 114+4]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119 : 119+4]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123 : 123+4]))

	return h, nil
}

// Bounds returns the archive bounds as an orb bound (lon/lat).
func (h HeaderV3) Bounds() orb.Bound {
	return orb.Bound{
		Min: orb.Point{e7(h.MinLonE7), e7(h.MinLatE7)},
		Max: orb.Point{e7(h.MaxLonE7), e7(h.MaxLatE7)},
	}
}

func e7(v int32) float64 {
	return float64(v) / 1e7
}

// ErrNoRangeSupport is returned when a server ignores the Range header and the
// response is not a usable archive prefix.
var ErrNoRangeSupport = errors.New("server does not support range requests")

// FetchHeader reads the header of a remote archive with a single range request.
func FetchHeader(ctx context.Context, client *http.Client, url string) (HeaderV3, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HeaderV3{}, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", HeaderV3LenBytes-1))

	resp, err := client.Do(req)
	if err != nil {
		return HeaderV3{}, fmt.Errorf("fetching pmtiles header: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	default:
		return HeaderV3{}, fmt.Errorf("fetching pmtiles header: %s", resp.Status)
	}

	buf := make([]byte, HeaderV3LenBytes)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		if resp.StatusCode == http.StatusOK {
			return HeaderV3{}, ErrNoRangeSupport
		}
		return HeaderV3{}, fmt.Errorf("reading pmtiles header: %w", err)
	}
	h, err := DeserializeHeader(buf)
	if err != nil {
		return HeaderV3{}, err
	}
	if h.SpecVersion != 3 {
		return HeaderV3{}, fmt.Errorf("unsupported pmtiles version %d", h.SpecVersion)
	}
	return h, nil
}
