package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColumnLetter_RoundTrip(t *testing.T) {
	cases := map[int]string{0: "A", 1: "B", 25: "Z", 26: "AA", 27: "AB", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"}
	for col, want := range cases {
		assert.Equal(t, want, ColumnLetter(col))
		got, err := ParseColumn(want)
		require.NoError(t, err)
		assert.Equal(t, col, got)
	}
}

func TestParseCellRef(t *testing.T) {
	c, err := ParseCellRef("c9")
	require.NoError(t, err)
	assert.Equal(t, CellRef{Col: 2, Row: 9}, c)
	assert.Equal(t, "C9", c.String())

	_, err = ParseCellRef("9")
	assert.Error(t, err)
	_, err = ParseCellRef("C0")
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("A1:C10")
	require.NoError(t, err)
	assert.Equal(t, "A1:C10", r.String())
	assert.True(t, r.Contains(CellRef{Col: 1, Row: 5}))
	assert.False(t, r.Contains(CellRef{Col: 3, Row: 5}))

	single, err := ParseRange("B2")
	require.NoError(t, err)
	assert.Equal(t, single.From, single.To)

	_, err = ParseRange("C10:A1")
	assert.Error(t, err)
}

func TestBounding(t *testing.T) {
	_, ok := Bounding(nil)
	assert.False(t, ok)

	r, ok := Bounding([]CellRef{{Col: 3, Row: 9}, {Col: 1, Row: 11}, {Col: 4, Row: 10}})
	require.True(t, ok)
	assert.Equal(t, "B9:E11", r.String())
}

func TestGrid_Get(t *testing.T) {
	g := Grid{Origin: CellRef{Col: 1, Row: 2}, Values: [][]string{{"a", "b"}, {"c"}}}
	assert.Equal(t, "a", g.Get(CellRef{Col: 1, Row: 2}))
	assert.Equal(t, "b", g.Get(CellRef{Col: 2, Row: 2}))
	assert.Equal(t, "", g.Get(CellRef{Col: 2, Row: 3}))
	assert.Equal(t, "", g.Get(CellRef{Col: 0, Row: 1}))
	assert.Equal(t, 3, g.LastRow())
	assert.Equal(t, 2, g.Width())
	assert.Nil(t, g.Row(9))
}

func TestUnitStatus_Terminal(t *testing.T) {
	assert.False(t, UnitPending.Terminal())
	assert.False(t, UnitLeased.Terminal())
	assert.False(t, UnitRunning.Terminal())
	assert.True(t, UnitSucceeded.Terminal())
	assert.True(t, UnitFailed.Terminal())
	assert.True(t, UnitAbandoned.Terminal())
}

func TestPhase_Next(t *testing.T) {
	assert.Equal(t, PhaseConfigure, PhasePrepare.Next())
	assert.Equal(t, PhasePersist, PhaseExtract.Next())
	assert.Equal(t, Phase(""), PhasePersist.Next())
}

func TestBatchResult_Counts(t *testing.T) {
	b := BatchResult{Outcomes: []UnitOutcome{
		{Status: UnitSucceeded}, {Status: UnitSucceeded}, {Status: UnitFailed}, {Status: UnitAbandoned},
	}}
	ok, failed, abandoned := b.Counts()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, abandoned)

	var s RunStats
	s.Add(b)
	assert.Equal(t, 1, s.Batches)
	assert.Equal(t, 2, s.Succeeded)
}
