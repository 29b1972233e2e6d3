// Package sourcemap implements the source map (spec §4.3, component C3):
// combining a parsed hunk list with runtime segment base addresses into
// bidirectional line<->address lookups, a flat symbol table, and segment
// metadata. Grounded on the teacher's PCMap/AddrToLine sorted-range lookup
// style (internal/debug/pcmap.go), generalised from a single synthetic
// pseudo-PC space to real hunk-relative offsets plus reported segment
// bases, and on internal/debug/stacktrace.go for the Location/Frame naming
// convention.
package sourcemap

import (
	"sort"
	"strconv"
	"strings"

	"github.com/amigadbg/hunkrsp/internal/hunk"
	"github.com/amigadbg/hunkrsp/internal/rsperr"
)

// Segment is a runtime region corresponding to one hunk at a stub-reported
// base address (spec §3 "Segment (runtime)"). Immutable for the life of
// the debug session.
type Segment struct {
	Name        string
	BaseAddress uint64
	Size        uint32
	MemType     hunk.MemType
	Kind        hunk.Kind
}

// Location is a resolved (source, address) correspondence (spec §3
// "Location"): derived from one hunk's debug lines plus its segment base.
type Location struct {
	Path          string
	Line          int
	Symbol        string
	SymbolOffset  uint32
	SegmentIndex  int
	SegmentOffset uint32
	Address       uint64
}

// SourceMap is built once from a hunk list and a matching list of segment
// base addresses (one entry per hunk) and is read-only thereafter (spec §5
// "Shared resources").
type SourceMap struct {
	Segments []Segment
	Symbols  map[string]uint64
	Sources  []string

	locationsBySource  map[string][]sourceLine
	locationsByAddress []addrLocation
}

type sourceLine struct {
	line int
	loc  *Location
}

type addrLocation struct {
	addr uint64
	loc  *Location
}

// Build constructs a SourceMap from hunks and their per-hunk runtime base
// addresses (spec §4.3). len(bases) must equal len(hunks).
func Build(hunks []*hunk.Hunk, bases []uint64) (*SourceMap, error) {
	if len(hunks) != len(bases) {
		return nil, rsperr.New(rsperr.Argument, "", "bases length must match hunks length", map[string]interface{}{
			"hunks": len(hunks), "bases": len(bases),
		})
	}

	sm := &SourceMap{
		Symbols:           make(map[string]uint64),
		locationsBySource: make(map[string][]sourceLine),
	}

	for i, h := range hunks {
		base := bases[i]

		sm.Segments = append(sm.Segments, Segment{
			Name:        segmentName(i, h),
			BaseAddress: base,
			Size:        h.DataSize(),
			MemType:     h.MemType,
			Kind:        h.Kind,
		})

		for _, sym := range h.Symbols {
			sm.Symbols[sym.Name] = base + uint64(sym.Offset)
		}

		if len(h.SourceFiles) > 0 {
			sm.Sources = append(sm.Sources, h.SourceFiles[0].Name)
		}

		for _, sf := range h.SourceFiles {
			path := strings.ToUpper(sf.Name)

			for _, le := range sf.Lines {
				addr := base + uint64(sf.BaseOffset) + uint64(le.Offset)

				loc := &Location{
					Path:          sf.Name,
					Line:          le.Line,
					SegmentIndex:  i,
					SegmentOffset: sf.BaseOffset + le.Offset,
					Address:       addr,
				}

				attachNearestSymbol(loc, h, sf.BaseOffset+le.Offset)

				sm.locationsBySource[path] = append(sm.locationsBySource[path], sourceLine{line: le.Line, loc: loc})
				sm.locationsByAddress = append(sm.locationsByAddress, addrLocation{addr: addr, loc: loc})
			}
		}
	}

	for path := range sm.locationsBySource {
		lines := sm.locationsBySource[path]
		sort.Slice(lines, func(i, j int) bool { return lines[i].line < lines[j].line })
		sm.locationsBySource[path] = lines
	}

	sort.Slice(sm.locationsByAddress, func(i, j int) bool {
		return sm.locationsByAddress[i].addr < sm.locationsByAddress[j].addr
	})

	return sm, nil
}

func segmentName(index int, h *hunk.Hunk) string {
	return "Seg" + strconv.Itoa(index) + "_" + h.Kind.String() + "_" + h.MemType.String()
}

// attachNearestSymbol fills in loc.Symbol/SymbolOffset with the closest
// preceding symbol in the same hunk, if any, matching the debugger API's
// expectation that a resolved location can name the enclosing function.
func attachNearestSymbol(loc *Location, h *hunk.Hunk, hunkOffset uint32) {
	best := -1

	for i, sym := range h.Symbols {
		if sym.Offset <= hunkOffset {
			best = i
		} else {
			break
		}
	}

	if best >= 0 {
		loc.Symbol = h.Symbols[best].Name
		loc.SymbolOffset = hunkOffset - h.Symbols[best].Offset
	}
}

// ContainingSegment reports the index of the segment whose
// [baseAddress, baseAddress+size) range contains addr, and addr's offset
// within it. Used for the live-PC-to-segment mapping of spec §4.9
// ("absoluteToRelative over the live segment table"), distinct from
// LookupAddress's line-table proximity search: a PC deep inside a
// function, far from any line boundary, still resolves here as long as it
// falls within some loaded segment.
func ContainingSegment(segments []Segment, addr uint64) (index int, offset uint64, ok bool) {
	for i, seg := range segments {
		if addr >= seg.BaseAddress && addr < seg.BaseAddress+uint64(seg.Size) {
			return i, addr - seg.BaseAddress, true
		}
	}

	return -1, 0, false
}

// lookupWindow bounds how far lookupAddress will search below an exact
// miss before giving up (spec §4.3 "within a 10-byte window").
const lookupWindow = 10

// LookupAddress resolves addr to the exact Location if one exists;
// otherwise the Location of the greatest address not exceeding addr,
// provided it falls within a 10-byte window (spec §4.3).
func (sm *SourceMap) LookupAddress(addr uint64) (*Location, error) {
	entries := sm.locationsByAddress

	idx := sort.Search(len(entries), func(i int) bool { return entries[i].addr >= addr })

	if idx < len(entries) && entries[idx].addr == addr {
		return entries[idx].loc, nil
	}

	if idx == 0 {
		return nil, rsperr.New(rsperr.NotFound, "", "no location found for address", map[string]interface{}{"address": addr})
	}

	candidate := entries[idx-1]
	if addr-candidate.addr > lookupWindow {
		return nil, rsperr.New(rsperr.NotFound, "", "no location within lookup window", map[string]interface{}{"address": addr})
	}

	return candidate.loc, nil
}

// LookupSourceLine resolves (path, line) to the exact Location if one
// exists in that file's line table; otherwise the Location of the greatest
// line not exceeding the requested one (spec §4.3).
func (sm *SourceMap) LookupSourceLine(path string, line int) (*Location, error) {
	lines, ok := sm.locationsBySource[strings.ToUpper(path)]
	if !ok || len(lines) == 0 {
		return nil, rsperr.New(rsperr.NotFound, "", "unknown source file", map[string]interface{}{"path": path})
	}

	idx := sort.Search(len(lines), func(i int) bool { return lines[i].line > line })

	if idx > 0 && lines[idx-1].line == line {
		return lines[idx-1].loc, nil
	}

	if idx == 0 {
		return nil, rsperr.New(rsperr.NotFound, "", "no line at or before requested line", map[string]interface{}{"path": path, "line": line})
	}

	return lines[idx-1].loc, nil
}

// FirstLineAtOffset implements the specialised scan of spec §4.3: given one
// hunk's line table and a target hunk-relative offset, returns the exact
// line if any entry matches; else, only if some entry's offset exceeds
// target (the target fell between two entries), the line of the greatest
// offset not exceeding target; else "not found" — an offset past every
// entry in the table is not resolved by nearest-preceding fallback.
func FirstLineAtOffset(lines []hunk.LineEntry, offset uint32) (line int, found bool) {
	bestLine := 0
	bestOffset := uint32(0)
	haveCandidate := false
	haveBeyond := false

	for _, le := range lines {
		if le.Offset == offset {
			return le.Line, true
		}

		if le.Offset > offset {
			haveBeyond = true
		} else if !haveCandidate || le.Offset > bestOffset {
			bestLine = le.Line
			bestOffset = le.Offset
			haveCandidate = true
		}
	}

	if !haveBeyond {
		return 0, false
	}

	return bestLine, haveCandidate
}
