package gitcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSumNumStat_AddsCountsAndSkipsBinaries(t *testing.T) {
	out := "10\t2\tsrc/backend/foo.c\n" +
		"0\t5\tsrc/include/foo.h\n" +
		"-\t-\tsrc/test/data.bin\n" +
		"\n"
	st := sumNumStat(out)
	assert.Equal(t, 10, st.Additions)
	assert.Equal(t, 7, st.Deletions)
}

func TestSumNumStat_Empty(t *testing.T) {
	assert.Equal(t, DiffStat{}, sumNumStat(""))
}
