package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nonexistent folder", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent}, ErrNoSuchFolder},
		{"no permission", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNoPerm}, common.ErrPermanentConfiguration},
		{"auth failed", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeAuthenticationFailed}, common.ErrPermanentConfiguration},
		{"unavailable", &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeUnavailable}, common.ErrTransientNetwork},
		{"bad command", &imap.Error{Type: imap.StatusResponseTypeBad}, common.ErrPermanentConfiguration},
		{"plain NO", &imap.Error{Type: imap.StatusResponseTypeNo}, common.ErrTransientNetwork},
		{"eof", fmt.Errorf("read: %w", io.EOF), common.ErrTransientNetwork},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, common.ErrTransientNetwork},
		{"no such host", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, common.ErrPermanentConfiguration},
		{"already tagged", common.ErrReconciliation, common.ErrReconciliation},
		{"ctx", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, Classify(tt.err), tt.want)
		})
	}

	gone := Classify(&imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNonExistent})
	assert.ErrorIs(t, gone, common.ErrPermanentConfiguration)
	noPerm := Classify(&imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCodeNoPerm})
	assert.NotErrorIs(t, noPerm, ErrNoSuchFolder)

	assert.NoError(t, Classify(nil))
	other := errors.New("odd")
	assert.Equal(t, other, Classify(other))
}
