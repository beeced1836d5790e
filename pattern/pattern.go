// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pattern generates strings that match a regular expression.
// Every choice made while walking the expression (which alternative,
// how many repetitions, which character) is drawn from a keystream
// derived from a seed, so a given (pattern, seed) pair always yields
// the same string.
//
// Patterns use Go's RE2 syntax. Unbounded repetitions (*, +, {n,})
// are capped at MaxRepeat extra repetitions. Character classes and
// '.' prefer printable ASCII; classes with no printable ASCII member
// draw from the whole class.
//
// Empty-width assertions (^, $, \A, \z, \b, \B) emit nothing. A
// pattern containing them is checked after each walk, and the walk is
// repeated on the same keystream until the output matches; a pattern
// whose assertions can never hold is reported as unsatisfiable.
package pattern

import (
	"regexp"
	"regexp/syntax"
	"strings"
	"unicode/utf8"

	"github.com/grailbio/mfdpg/errors"
	"github.com/willf/bitset"
)

// DefaultMaxRepeat is the default cap on repetitions beyond the
// minimum of an unbounded repeat.
const DefaultMaxRepeat = 16

const (
	printableLo = 0x20
	printableHi = 0x7e

	// maxAttempts bounds the walks made for a pattern with
	// empty-width assertions.
	maxAttempts = 64
)

// A Generator generates strings matching a compiled pattern. It is
// safe for concurrent use.
type Generator struct {
	expr      string
	re        *syntax.Regexp
	maxRepeat int
	classes   map[*syntax.Regexp]*charset
	// check matches the whole pattern. It is set only for patterns
	// with empty-width assertions.
	check *regexp.Regexp
}

// charset is the set of runes a character class draws from.
type charset struct {
	// ascii holds the class's printable ASCII members.
	ascii *bitset.BitSet
	n     uint
	// ranges holds the class's non-surrogate ranges, used when ascii
	// is empty.
	ranges []rune
	total  int
}

// Compile parses expr. Patterns that admit no string fail with an
// error of kind errors.Unsatisfiable; patterns that do not parse fail
// with errors.Invalid. If maxRepeat is not positive, DefaultMaxRepeat
// is used.
func Compile(expr string, maxRepeat int) (*Generator, error) {
	re, err := syntax.Parse(expr, syntax.Perl)
	if err != nil {
		return nil, errors.E(errors.Invalid, "pattern: parsing", expr, err)
	}
	if maxRepeat <= 0 {
		maxRepeat = DefaultMaxRepeat
	}
	g := &Generator{
		expr:      expr,
		re:        re,
		maxRepeat: maxRepeat,
		classes:   make(map[*syntax.Regexp]*charset),
	}
	g.compileClasses(re)
	if !g.satisfiable(re) {
		return nil, errors.E(errors.Unsatisfiable, "pattern:", expr)
	}
	if hasAssertion(re) {
		if g.check, err = regexp.Compile(`^(?:` + expr + `)$`); err != nil {
			return nil, errors.E(errors.Invalid, "pattern: parsing", expr, err)
		}
		if _, err := g.Generate(nil); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Generate compiles expr and generates the string for seed.
func Generate(expr string, seed []byte) (string, error) {
	g, err := Compile(expr, 0)
	if err != nil {
		return "", err
	}
	return g.Generate(seed)
}

// String returns the pattern the generator was compiled from.
func (g *Generator) String() string { return g.expr }

// Generate returns the string determined by seed. It fails with
// errors.Unsatisfiable if the pattern's assertions reject every walk
// attempted for seed.
func (g *Generator) Generate(seed []byte) (string, error) {
	s := newStream(seed)
	for i := 0; i < maxAttempts; i++ {
		var b strings.Builder
		g.gen(s, g.re, &b)
		if g.check == nil || g.check.MatchString(b.String()) {
			return b.String(), nil
		}
	}
	return "", errors.E(errors.Unsatisfiable, "pattern:", g.expr, "assertions reject generated strings")
}

func hasAssertion(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText,
		syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return true
	}
	for _, sub := range re.Sub {
		if hasAssertion(sub) {
			return true
		}
	}
	return false
}

func (g *Generator) compileClasses(re *syntax.Regexp) {
	if re.Op == syntax.OpCharClass {
		cs := &charset{ascii: bitset.New(printableHi + 1)}
		for i := 0; i+1 < len(re.Rune); i += 2 {
			lo, hi := re.Rune[i], re.Rune[i+1]
			for r := max(lo, printableLo); r <= min(hi, printableHi); r++ {
				cs.ascii.Set(uint(r))
			}
			cs.addRange(lo, hi)
		}
		cs.n = cs.ascii.Count()
		g.classes[re] = cs
	}
	for _, sub := range re.Sub {
		g.compileClasses(sub)
	}
}

func (cs *charset) addRange(lo, hi rune) {
	const surrLo, surrHi = 0xd800, 0xdfff
	if lo < surrLo && hi >= surrLo {
		cs.addRange(lo, surrLo-1)
		cs.addRange(surrHi+1, hi)
		return
	}
	if lo >= surrLo && lo <= surrHi {
		lo = surrHi + 1
	}
	if hi > utf8.MaxRune {
		hi = utf8.MaxRune
	}
	if lo > hi {
		return
	}
	cs.ranges = append(cs.ranges, lo, hi)
	cs.total += int(hi-lo) + 1
}

func (g *Generator) satisfiable(re *syntax.Regexp) bool {
	switch re.Op {
	case syntax.OpNoMatch:
		return false
	case syntax.OpCharClass:
		return g.classes[re].n > 0 || g.classes[re].total > 0
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			if !g.satisfiable(sub) {
				return false
			}
		}
		return true
	case syntax.OpAlternate:
		for _, sub := range re.Sub {
			if g.satisfiable(sub) {
				return true
			}
		}
		return false
	case syntax.OpCapture, syntax.OpPlus:
		return g.satisfiable(re.Sub[0])
	case syntax.OpRepeat:
		return re.Min == 0 || g.satisfiable(re.Sub[0])
	default:
		return true
	}
}

func (g *Generator) gen(s *stream, re *syntax.Regexp, b *strings.Builder) {
	switch re.Op {
	case syntax.OpLiteral:
		for _, r := range re.Rune {
			b.WriteRune(r)
		}
	case syntax.OpCharClass:
		b.WriteRune(g.classes[re].pick(s))
	case syntax.OpAnyChar, syntax.OpAnyCharNotNL:
		b.WriteRune(rune(printableLo + s.intn(printableHi-printableLo+1)))
	case syntax.OpCapture:
		g.gen(s, re.Sub[0], b)
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			g.gen(s, sub, b)
		}
	case syntax.OpAlternate:
		var alts []*syntax.Regexp
		for _, sub := range re.Sub {
			if g.satisfiable(sub) {
				alts = append(alts, sub)
			}
		}
		g.gen(s, alts[s.intn(len(alts))], b)
	case syntax.OpQuest:
		g.repeat(s, re.Sub[0], 0, 1, b)
	case syntax.OpStar:
		g.repeat(s, re.Sub[0], 0, g.maxRepeat, b)
	case syntax.OpPlus:
		g.repeat(s, re.Sub[0], 1, 1+g.maxRepeat, b)
	case syntax.OpRepeat:
		hi := re.Max
		if hi < 0 {
			hi = re.Min + g.maxRepeat
		}
		g.repeat(s, re.Sub[0], re.Min, hi, b)
	}
	// Empty-width operators produce no output; Generate checks
	// assertions against the result.
}

func (g *Generator) repeat(s *stream, sub *syntax.Regexp, lo, hi int, b *strings.Builder) {
	if !g.satisfiable(sub) {
		return
	}
	n := lo + s.intn(hi-lo+1)
	for i := 0; i < n; i++ {
		g.gen(s, sub, b)
	}
}

func (cs *charset) pick(s *stream) rune {
	if cs.n > 0 {
		k := s.intn(int(cs.n))
		i, _ := cs.ascii.NextSet(0)
		for ; k > 0; k-- {
			i, _ = cs.ascii.NextSet(i + 1)
		}
		return rune(i)
	}
	k := s.intn(cs.total)
	for i := 0; i+1 < len(cs.ranges); i += 2 {
		size := int(cs.ranges[i+1]-cs.ranges[i]) + 1
		if k < size {
			return cs.ranges[i] + rune(k)
		}
		k -= size
	}
	panic("pattern: index outside character class")
}
