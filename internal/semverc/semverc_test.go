package semverc

import (
	"testing"

	"github.com/blang/semver"
	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
)

func mustV(t *testing.T, s string) semver.Version {
	t.Helper()
	v, err := semver.Parse(s)
	require.NoError(t, err)
	return v
}

func TestCaretRange(t *testing.T) {
	c, err := Parse("^1.2.3")
	require.NoError(t, err)
	require.True(t, c.Matches(mustV(t, "1.2.3")))
	require.True(t, c.Matches(mustV(t, "1.9.9")))
	require.False(t, c.Matches(mustV(t, "2.0.0")))
	require.False(t, c.Matches(mustV(t, "1.2.2")))
}

func TestCaretRangeZeroMajor(t *testing.T) {
	c, err := Parse("^0.2.3")
	require.NoError(t, err)
	require.True(t, c.Matches(mustV(t, "0.2.9")))
	require.False(t, c.Matches(mustV(t, "0.3.0")))
}

func TestTildeRange(t *testing.T) {
	c, err := Parse("~1.2.3")
	require.NoError(t, err)
	require.True(t, c.Matches(mustV(t, "1.2.9")))
	require.False(t, c.Matches(mustV(t, "1.3.0")))
}

func TestBareVersionIsEquals(t *testing.T) {
	c, err := Parse("1.2.3")
	require.NoError(t, err)
	require.True(t, c.Matches(mustV(t, "1.2.3")))
	require.False(t, c.Matches(mustV(t, "1.2.4")))
}

func TestWildcard(t *testing.T) {
	c, err := Parse("*")
	require.NoError(t, err)
	require.True(t, c.Matches(mustV(t, "99.99.99")))
}

func TestSetIntersectionPicksHighest(t *testing.T) {
	s := NewSet()
	c1, _ := Parse(">=1.0.0")
	c2, _ := Parse("<2.0.0")
	s.Add(c1)
	s.Add(c2)

	candidates := []semver.Version{mustV(t, "0.9.0"), mustV(t, "1.5.0"), mustV(t, "1.9.9"), mustV(t, "2.0.0")}
	got, err := s.HighestMatching(candidates)
	require.NoError(t, err)
	require.True(t, got.EQ(mustV(t, "1.9.9")))
}

func TestSetIntersectionUnresolvable(t *testing.T) {
	s := NewSet()
	c1, _ := Parse(">=2.0.0")
	c2, _ := Parse("<1.0.0")
	s.Add(c1)
	s.Add(c2)

	_, err := s.HighestMatching([]semver.Version{mustV(t, "1.5.0")})
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.UnresolvableVersion))
}

func TestConstraintSetMonotonicity(t *testing.T) {
	// Adding a constraint to a resolvable set either yields the same
	// version or fails with UnresolvableVersion (testable property in §8).
	candidates := []semver.Version{mustV(t, "1.0.0"), mustV(t, "1.5.0"), mustV(t, "2.0.0")}
	s := NewSet()
	c1, _ := Parse(">=1.0.0")
	s.Add(c1)
	v1, err := s.HighestMatching(candidates)
	require.NoError(t, err)
	require.True(t, v1.EQ(mustV(t, "2.0.0")))

	c2, _ := Parse("<2.0.0")
	s.Add(c2)
	v2, err := s.HighestMatching(candidates)
	require.NoError(t, err)
	require.True(t, v2.EQ(mustV(t, "1.5.0")))

	c3, _ := Parse(">=3.0.0")
	s.Add(c3)
	_, err = s.HighestMatching(candidates)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.UnresolvableVersion))
}
