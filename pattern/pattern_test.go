// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pattern_test

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"testing"
	"unicode/utf8"

	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/pattern"
	"github.com/stretchr/testify/require"
)

func seed(i int) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprint(i)))
	return sum[:]
}

var patterns = []string{
	`[a-zA-Z]{6,10}`,
	`([A-Za-z]+[0-9]|[0-9]+[A-Za-z])[A-Za-z0-9]*`,
	`[a-z]{4}-[0-9]{4}-[A-Z]{4}`,
	`.{12}`,
	`(?i)pass[0-9]{2}`,
	`[^a-zA-Z0-9]{8}`,
	`\w{8,16}\d\W?`,
	`^(red|green|blue)+$`,
	`[α-ω]{5}`,
	`x*y+z?`,
	`(?:[^\x00-\x{10FFFF}]|ok)`,
	`a{0}b`,
}

func TestConformance(t *testing.T) {
	for _, p := range patterns {
		re := regexp.MustCompile(`^(?:` + p + `)$`)
		g, err := pattern.Compile(p, 0)
		require.NoError(t, err, p)
		for i := 0; i < 100; i++ {
			s, err := g.Generate(seed(i))
			require.NoError(t, err, p)
			if !re.MatchString(s) {
				t.Errorf("pattern %s seed %d: %q does not match", p, i, s)
			}
			if !utf8.ValidString(s) {
				t.Errorf("pattern %s seed %d: invalid utf-8 %q", p, i, s)
			}
		}
	}
}

func TestDeterministic(t *testing.T) {
	for _, p := range patterns {
		a, err := pattern.Generate(p, seed(1))
		require.NoError(t, err)
		b, err := pattern.Generate(p, seed(1))
		require.NoError(t, err)
		if a != b {
			t.Errorf("pattern %s: got %q and %q for the same seed", p, a, b)
		}
	}
}

func TestSeedsDiffer(t *testing.T) {
	g, err := pattern.Compile(`[a-zA-Z]{6,10}`, 0)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := g.Generate(seed(i))
		require.NoError(t, err)
		seen[s] = true
	}
	if got, want := len(seen), 50; got != want {
		t.Errorf("got %v distinct strings, want %v", got, want)
	}
	lengths := make(map[int]bool)
	for s := range seen {
		lengths[len(s)] = true
	}
	if got, want := len(lengths), 5; got != want {
		t.Errorf("got %v distinct lengths, want %v", got, want)
	}
}

func TestMaxRepeat(t *testing.T) {
	g, err := pattern.Compile(`a*`, 3)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		s, err := g.Generate(seed(i))
		require.NoError(t, err)
		if len(s) > 3 {
			t.Fatalf("got %q, want at most 3 repetitions", s)
		}
	}
}

func TestUnsatisfiable(t *testing.T) {
	for _, p := range []string{
		`[^\x00-\x{10FFFF}]`,
		`ab[^\x00-\x{10FFFF}]+`,
		`(?:[^\x00-\x{10FFFF}]){2}`,
		`a^b`,
		`a$b`,
		`a\bb`,
		`-\B-\b-`,
		`x\Ay`,
	} {
		_, err := pattern.Compile(p, 0)
		require.True(t, errors.Is(errors.Unsatisfiable, err), "%s: got %v", p, err)
	}
	// Optional unsatisfiable parts are skipped.
	s, err := pattern.Generate(`ab(?:[^\x00-\x{10FFFF}])*`, seed(0))
	require.NoError(t, err)
	require.Equal(t, "ab", s)
}

func TestAssertions(t *testing.T) {
	for _, p := range []string{
		`^[a-z]{4}$`,
		`\bword\b`,
		`\A[0-9]+\z`,
		`(?:a|^)b`,
		`[a-z]\B[a-z]`,
		`(?:x|-)\b[a-z]{3}`,
	} {
		re := regexp.MustCompile(`^(?:` + p + `)$`)
		g, err := pattern.Compile(p, 0)
		require.NoError(t, err, p)
		for i := 0; i < 50; i++ {
			s, err := g.Generate(seed(i))
			require.NoError(t, err, p)
			if !re.MatchString(s) {
				t.Errorf("pattern %s seed %d: %q does not match", p, i, s)
			}
		}
	}
}

func TestInvalid(t *testing.T) {
	_, err := pattern.Compile(`[a-`, 0)
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}
