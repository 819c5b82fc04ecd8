package parser

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// invisibleTable holds every rune in the Cc, Cf, Co, Cs and Zp categories plus
// all unassigned code points. It is built on first use and never mutated.
var invisibleTable = sync.OnceValue(buildInvisibleTable)

func isInvisible(r rune) bool {
	if unicode.In(r, unicode.Cc, unicode.Cf, unicode.Co, unicode.Cs, unicode.Zp) {
		return true
	}
	return !unicode.In(r, unicode.L, unicode.M, unicode.N, unicode.P, unicode.S, unicode.Z, unicode.C)
}

func buildInvisibleTable() *unicode.RangeTable {
	table := &unicode.RangeTable{}

	flush := func(lo, hi rune) {
		if lo <= 0xFFFF {
			end := hi
			if end > 0xFFFF {
				end = 0xFFFF
			}
			table.R16 = append(table.R16, unicode.Range16{Lo: uint16(lo), Hi: uint16(end), Stride: 1})
			if end <= unicode.MaxLatin1 {
				table.LatinOffset++
			}
			if hi <= 0xFFFF {
				return
			}
			lo = 0x10000
		}
		table.R32 = append(table.R32, unicode.Range32{Lo: uint32(lo), Hi: uint32(hi), Stride: 1})
	}

	start := rune(-1)
	for r := rune(0); r <= unicode.MaxRune; r++ {
		if isInvisible(r) {
			if start < 0 {
				start = r
			}
			continue
		}
		if start >= 0 {
			flush(start, r-1)
			start = -1
		}
	}
	if start >= 0 {
		flush(start, unicode.MaxRune)
	}

	return table
}

// CleanText removes control and invisible runes and trims surrounding
// whitespace and newlines.
func CleanText(s string) string {
	cleaned, _, err := transform.String(runes.Remove(runes.In(invisibleTable())), s)
	if err != nil {
		cleaned = s
	}
	return strings.Trim(cleaned, "\n ")
}
