package session

import "math/bits"

// World sections are the unit in which map data is streamed to a client.
const (
	SectionWidth  = 200
	SectionHeight = 150

	maxSectionsX = 42 // 8400 tiles, the widest world
	maxSectionsY = 16 // 2400 tiles
)

// Sections records which world sections a client has been sent. It is reset when
// the client joins a world so the new world streams everything again.
type Sections struct {
	bits [(maxSectionsX*maxSectionsY + 63) / 64]uint64
}

func sectionIndex(sx, sy int) (int, bool) {
	if sx < 0 || sy < 0 || sx >= maxSectionsX || sy >= maxSectionsY {
		return 0, false
	}
	return sy*maxSectionsX + sx, true
}

// MarkTile marks the section containing tile (x, y) as sent and reports whether it
// was new.
func (s *Sections) MarkTile(x, y int) bool {
	if x < 0 || y < 0 {
		return false
	}
	i, ok := sectionIndex(x/SectionWidth, y/SectionHeight)
	if !ok {
		return false
	}
	mask := uint64(1) << (i % 64)
	if s.bits[i/64]&mask != 0 {
		return false
	}
	s.bits[i/64] |= mask
	return true
}

// Sent reports whether section (sx, sy) has been sent.
func (s *Sections) Sent(sx, sy int) bool {
	i, ok := sectionIndex(sx, sy)
	return ok && s.bits[i/64]&(1<<(i%64)) != 0
}

// Count returns the number of sections sent.
func (s *Sections) Count() int {
	n := 0
	for _, w := range s.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Reset forgets every section.
func (s *Sections) Reset() {
	s.bits = [len(s.bits)]uint64{}
}
