package hunk

import (
	"fmt"
	"sort"

	"github.com/amigadbg/hunkrsp/internal/debuglog"
	"github.com/amigadbg/hunkrsp/internal/rsperr"
)

const longWordSize = 4

// Hunk block type tags, per spec §4.2 / §6.
const (
	tagUnit    = 999
	tagName    = 1000
	tagCode    = 1001
	tagData    = 1002
	tagBSS     = 1003
	tagReloc32 = 1004
	tagSymbol  = 1008
	tagDebug   = 1009
	tagEnd     = 1010
)

const (
	headerMagic  = 0x000003F3
	memTypeChip  = 0x40000000
	memTypeFast  = 0x80000000
	memTypeMask  = 0xF0000000
	hunkSizeMask = 0x0FFFFFFF
	debugTagLine = 0x4C494E45 // "LINE"
)

// reader walks a big-endian hunk byte stream with bounds-checked longword
// and byte reads, in the spirit of the amginspect Buffer type but surfacing
// rsperr.InvalidFormat instead of panicking on a short read.
type reader struct {
	data   []byte
	offset int64
}

func (r *reader) longWord() (uint32, error) {
	if r.offset+longWordSize > int64(len(r.data)) {
		return 0, truncated(r.offset)
	}

	b := r.data[r.offset : r.offset+longWordSize]
	r.offset += longWordSize

	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (r *reader) bytes(n int64) ([]byte, error) {
	if n < 0 || r.offset+n > int64(len(r.data)) {
		return nil, truncated(r.offset)
	}

	b := r.data[r.offset : r.offset+n]
	r.offset += n

	return b, nil
}

func (r *reader) skip(n int64) error {
	if n < 0 || r.offset+n > int64(len(r.data)) {
		return truncated(r.offset)
	}

	r.offset += n

	return nil
}

func (r *reader) atEnd() bool {
	return r.offset >= int64(len(r.data))
}

func truncated(offset int64) error {
	return rsperr.New(rsperr.InvalidFormat, "", "truncated hunk stream", map[string]interface{}{
		"offset": offset,
	})
}

// Parse decodes the raw bytes of an Amiga load-file into an ordered list of
// Hunk records, per the algorithm of spec §4.2. Malformed input never
// panics: it is reported as an *rsperr.Error of kind InvalidFormat. An
// unrecognised sub-block tag terminates the current hunk (logged, not
// fatal) rather than aborting the whole file, mirroring the failure-mode
// policy of spec §4.2's last paragraph.
func Parse(data []byte, log debuglog.Sink) ([]*Hunk, error) {
	if log == nil {
		log = debuglog.Discard()
	}

	r := &reader{data: data}

	magic, err := r.longWord()
	if err != nil {
		return nil, rsperr.New(rsperr.InvalidFormat, "", "file too short for hunk header", nil)
	}

	if magic != headerMagic {
		return nil, rsperr.New(rsperr.InvalidFormat, "", fmt.Sprintf("bad hunk magic 0x%x", magic), nil)
	}

	// String table length word: always zero for executables. It is skipped
	// without being checked, so a non-zero value is not rejected.
	if _, err := r.longWord(); err != nil {
		return nil, err
	}

	tableSize, err := r.longWord()
	if err != nil {
		return nil, err
	}

	first, err := r.longWord()
	if err != nil {
		return nil, err
	}

	last, err := r.longWord()
	if err != nil {
		return nil, err
	}

	if int32(first) < 0 || int32(last) < 0 || int32(last) < int32(first) {
		return nil, rsperr.New(rsperr.InvalidFormat, "", "negative or inverted hunk range", map[string]interface{}{
			"first": first, "last": last,
		})
	}

	count := last - first + 1
	if int64(count) > int64(tableSize)+1 {
		log.Printf("hunk: table size %d smaller than hunk range %d..%d", tableSize, first, last)
	}

	memTypes := make([]MemType, count)
	sizes := make([]uint32, count)

	for i := uint32(0); i < count; i++ {
		word, err := r.longWord()
		if err != nil {
			return nil, err
		}

		memTypes[i] = decodeMemType(word)
		sizes[i] = (word & hunkSizeMask) * longWordSize
	}

	hunks := make([]*Hunk, 0, count)

	for i := uint32(0); i < count; i++ {
		h := &Hunk{
			Index:      int(i),
			FileOffset: r.offset,
			MemType:    memTypes[i],
			AllocSize:  sizes[i],
		}

		if err := parseHunkBody(r, h, log); err != nil {
			return nil, err
		}

		hunks = append(hunks, h)

		if r.atEnd() {
			break
		}
	}

	return hunks, nil
}

func decodeMemType(sizeWord uint32) MemType {
	switch sizeWord & memTypeMask {
	case memTypeChip:
		return MemChip
	case memTypeFast:
		return MemFast
	default:
		return MemAny
	}
}

// parseHunkBody streams sub-blocks for one hunk until an END tag or EOF.
func parseHunkBody(r *reader, h *Hunk, log debuglog.Sink) error {
	for {
		if r.atEnd() {
			return nil
		}

		tag, err := r.longWord()
		if err != nil {
			return err
		}

		switch tag {
		case tagCode, tagData:
			h.Kind = codeOrData(tag)

			sizeLW, err := r.longWord()
			if err != nil {
				return err
			}

			payload, err := r.bytes(int64(sizeLW) * longWordSize)
			if err != nil {
				return err
			}

			h.CodeData = append([]byte(nil), payload...)

		case tagBSS:
			h.Kind = KindBSS

			// Size word in long-words; BSS carries no payload.
			if _, err := r.longWord(); err != nil {
				return err
			}

		case tagReloc32:
			if err := parseReloc32(r, h); err != nil {
				return err
			}

		case tagSymbol:
			if err := parseSymbols(r, h); err != nil {
				return err
			}

		case tagDebug:
			if err := parseDebug(r, h); err != nil {
				return err
			}

		case tagUnit, tagName:
			if err := skipNameBlock(r); err != nil {
				return err
			}

		case tagEnd:
			return nil

		default:
			log.Printf("hunk: unknown sub-block tag %d at offset %d, ending hunk %d", tag, r.offset, h.Index)

			return nil
		}
	}
}

func codeOrData(tag uint32) Kind {
	if tag == tagCode {
		return KindCode
	}

	return KindData
}

// skipNameBlock reads a length-prefixed (nameLen long-words) block and
// discards it, used for UNIT/NAME sub-blocks which carry no structured data
// this module needs.
func skipNameBlock(r *reader) error {
	n, err := r.longWord()
	if err != nil {
		return err
	}

	return r.skip(int64(n) * longWordSize)
}

func parseReloc32(r *reader, h *Hunk) error {
	for {
		n, err := r.longWord()
		if err != nil {
			return err
		}

		if n == 0 {
			return nil
		}

		target, err := r.longWord()
		if err != nil {
			return err
		}

		offsets := make([]uint32, n)

		for i := uint32(0); i < n; i++ {
			off, err := r.longWord()
			if err != nil {
				return err
			}

			offsets[i] = off
		}

		h.Relocations = append(h.Relocations, Relocation{Target: int(target), Offsets: offsets})
	}
}

func parseSymbols(r *reader, h *Hunk) error {
	var symbols []Symbol

	for {
		nameLen, err := r.longWord()
		if err != nil {
			return err
		}

		if nameLen == 0 {
			break
		}

		raw, err := r.bytes(int64(nameLen) * longWordSize)
		if err != nil {
			return err
		}

		offset, err := r.longWord()
		if err != nil {
			return err
		}

		symbols = append(symbols, Symbol{Name: zeroTerminated(raw), Offset: offset})
	}

	sort.SliceStable(symbols, func(i, j int) bool { return symbols[i].Offset < symbols[j].Offset })
	h.Symbols = append(h.Symbols, symbols...)

	return nil
}

// parseDebug handles one DEBUG sub-block, appending a SourceFile when the
// tag identifies a LINE table and silently skipping any other debug tag by
// advancing past its declared length (spec §4.2 step "DEBUG").
func parseDebug(r *reader, h *Hunk) error {
	totalLongs, err := r.longWord()
	if err != nil {
		return err
	}

	blockStart := r.offset
	blockEnd := blockStart + int64(totalLongs)*longWordSize

	if blockEnd > int64(len(r.data)) {
		return truncated(r.offset)
	}

	baseOffset, err := r.longWord()
	if err != nil {
		return err
	}

	tag, err := r.longWord()
	if err != nil {
		return err
	}

	if tag != debugTagLine {
		r.offset = blockEnd

		return nil
	}

	nameLenLW, err := r.longWord()
	if err != nil {
		return err
	}

	nameBytes, err := r.bytes(int64(nameLenLW) * longWordSize)
	if err != nil {
		return err
	}

	name := zeroTerminated(nameBytes)

	// totalLongs counts every longword from baseOffset onward: the base
	// offset word, the tag word, the name-length word, the name itself, and
	// then the (line, offset) pairs.
	consumedSoFar := 3 + int64(nameLenLW)
	remaining := int64(totalLongs) - consumedSoFar

	if remaining < 0 || remaining%2 != 0 {
		return rsperr.New(rsperr.InvalidFormat, "", "malformed LINE debug block", map[string]interface{}{
			"hunk": h.Index,
		})
	}

	pairCount := remaining / 2
	lines := make([]LineEntry, 0, pairCount)

	for i := int64(0); i < pairCount; i++ {
		lineWord, err := r.longWord()
		if err != nil {
			return err
		}

		offsetWord, err := r.longWord()
		if err != nil {
			return err
		}

		lines = append(lines, LineEntry{Line: int(lineWord & 0xFFFFFF), Offset: offsetWord})
	}

	h.SourceFiles = append(h.SourceFiles, SourceFile{
		Name:       name,
		BaseOffset: baseOffset,
		Lines:      lines,
	})

	r.offset = blockEnd

	return nil
}

// zeroTerminated trims a fixed-width, NUL-padded name field down to its
// zero terminator (or the whole field, if none is found).
func zeroTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
