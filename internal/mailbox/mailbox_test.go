package mailbox

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestFlags_RoundTripIMAP(t *testing.T) {
	in := []imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.Flag("$Important")}
	f := FlagsFromIMAP(in)

	assert.True(t, f.Has(FlagSeen))
	assert.True(t, f.Has(FlagFlagged))
	assert.False(t, f.Has(FlagAnswered))
	assert.Equal(t, []imap.Flag{imap.FlagSeen, imap.FlagFlagged}, f.ToIMAP())
	assert.Equal(t, "SF", f.String())
	assert.Equal(t, "-", Flags(0).String())
}

func TestSortUIDsDesc(t *testing.T) {
	uids := []UID{3, 10, 1, 7}
	SortUIDsDesc(uids)
	assert.Equal(t, []UID{10, 7, 3, 1}, uids)
}
