package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0      = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	recent  = t0.Add(time.Minute)
	earlier = t0
)

func TestLess_CeilingNeverBeatsBelow(t *testing.T) {
	for a := int64(0); a < 200; a += 13 {
		for b := int64(200); b <= 1000; b += 97 {
			for _, usedA := range []time.Time{earlier, recent, {}} {
				for _, usedB := range []time.Time{earlier, recent, {}} {
					pa := &Peer{Address: "a", LatencyMs: a, LastUsedAt: usedA}
					pb := &Peer{Address: "b", LatencyMs: b, LastUsedAt: usedB}
					require.True(t, Less(pa, pb), "a=%d b=%d", a, b)
					require.False(t, Less(pb, pa), "a=%d b=%d", a, b)
				}
			}
		}
	}
}

func TestLess_WideGapLowerRatioWins(t *testing.T) {
	// gaps of at least 25ms are 0.125 in ratio terms
	for a := int64(0); a < 170; a += 11 {
		for b := a + 25; b < 200; b += 9 {
			lower := &Peer{LatencyMs: a, LastUsedAt: recent}
			higher := &Peer{LatencyMs: b, LastUsedAt: earlier}
			require.True(t, Less(lower, higher), "a=%d b=%d", a, b)
			require.False(t, Less(higher, lower), "a=%d b=%d", a, b)
		}
	}
}

func TestLess_NarrowGapLessRecentlyUsedWins(t *testing.T) {
	// gaps below 20ms are below 0.10 in ratio terms
	for a := int64(0); a < 180; a += 7 {
		for gap := int64(0); gap < 20 && a+gap < 200; gap += 3 {
			faster := &Peer{LatencyMs: a, LastUsedAt: recent}
			slower := &Peer{LatencyMs: a + gap, LastUsedAt: earlier}
			require.True(t, Less(slower, faster), "a=%d gap=%d", a, gap)
			require.False(t, Less(faster, slower), "a=%d gap=%d", a, gap)
		}
	}
}

func TestLess_Cases(t *testing.T) {
	tests := []struct {
		name string
		a, b Peer
		want bool
	}{
		{
			name: "equal ratio and recency compare equal",
			a:    Peer{LatencyMs: 40, LastUsedAt: earlier},
			b:    Peer{LatencyMs: 40, LastUsedAt: earlier},
			want: false,
		},
		{
			name: "narrow gap same recency lower ratio wins",
			a:    Peer{LatencyMs: 40, LastUsedAt: earlier},
			b:    Peer{LatencyMs: 45, LastUsedAt: earlier},
			want: true,
		},
		{
			name: "never used counts as least recent",
			a:    Peer{LatencyMs: 50},
			b:    Peer{LatencyMs: 45, LastUsedAt: earlier},
			want: true,
		},
		{
			name: "both beyond ceiling lower latency wins",
			a:    Peer{LatencyMs: 250, LastUsedAt: recent},
			b:    Peer{LatencyMs: 900, LastUsedAt: earlier},
			want: true,
		},
		{
			name: "unreachable comes last",
			a:    Peer{LatencyMs: -1},
			b:    Peer{LatencyMs: 5000, LastUsedAt: recent},
			want: false,
		},
		{
			name: "reachable beats unreachable",
			a:    Peer{LatencyMs: 5000},
			b:    Peer{LatencyMs: -1},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Less(&tt.a, &tt.b))
		})
	}
}

func newTestDirectory() (*Directory, *time.Time) {
	clock := t0
	d := NewDirectory()
	d.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return d, &clock
}

func TestDirectory_SelectRotatesWithinTolerance(t *testing.T) {
	d, _ := newTestDirectory()
	require.True(t, d.Add("10.0.0.1:2100", 30))
	require.True(t, d.Add("10.0.0.2:2100", 35))

	var picks []string
	for i := 0; i < 4; i++ {
		p, ok := d.Select()
		require.True(t, ok)
		picks = append(picks, p.Address)
	}
	assert.Equal(t, []string{"10.0.0.1:2100", "10.0.0.2:2100", "10.0.0.1:2100", "10.0.0.2:2100"}, picks)
}

func TestDirectory_SelectSticksToMuchFasterPeer(t *testing.T) {
	d, _ := newTestDirectory()
	d.Add("fast:2100", 10)
	d.Add("slow:2100", 150)

	for i := 0; i < 3; i++ {
		p, ok := d.Select()
		require.True(t, ok)
		assert.Equal(t, "fast:2100", p.Address)
	}
}

func TestDirectory_RefreshReranks(t *testing.T) {
	d, _ := newTestDirectory()
	d.Add("a:2100", 10)
	d.Add("b:2100", 100)

	require.Equal(t, "a:2100", d.List()[0].Address)

	require.True(t, d.Refresh("a:2100", 400))
	assert.Equal(t, "b:2100", d.List()[0].Address)

	require.True(t, d.Refresh("b:2100", -1))
	assert.Equal(t, "a:2100", d.List()[0].Address, "unreachable peers rank last")

	p, ok := d.Get("b:2100")
	require.True(t, ok)
	assert.Equal(t, 1, p.Failures)
	assert.False(t, d.Refresh("missing:2100", 5))
}

func TestDirectory_AddRejectsUnreachableAndDuplicates(t *testing.T) {
	d, _ := newTestDirectory()

	assert.False(t, d.Add("a:2100", -1))
	assert.Equal(t, 0, d.Len())

	assert.True(t, d.Add("a:2100", 20))
	assert.False(t, d.Add("a:2100", 40))
	assert.Equal(t, 1, d.Len())

	p, _ := d.Get("a:2100")
	assert.Equal(t, int64(40), p.LatencyMs)
}

func TestDirectory_PruneAndRemove(t *testing.T) {
	d, _ := newTestDirectory()
	for i := 1; i <= 3; i++ {
		d.Add(fmt.Sprintf("10.0.0.%d:2100", i), int64(i*10))
	}
	for i := 0; i < 3; i++ {
		d.Refresh("10.0.0.2:2100", -1)
	}
	d.Refresh("10.0.0.3:2100", -1)

	assert.Nil(t, d.PruneUnreachable(0))
	assert.Equal(t, []string{"10.0.0.2:2100"}, d.PruneUnreachable(3))
	assert.Equal(t, 2, d.Len())

	assert.True(t, d.Remove("10.0.0.3:2100"))
	assert.False(t, d.Remove("10.0.0.3:2100"))
	assert.Equal(t, 1, d.Len())

	_, ok := d.Select()
	assert.True(t, ok)
	d.Remove("10.0.0.1:2100")
	_, ok = d.Select()
	assert.False(t, ok)
}
