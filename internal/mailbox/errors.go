package mailbox

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/emersion/go-imap/v2"
)

// ErrNoSuchFolder marks a folder the server does not have. It is always
// wrapped together with common.ErrPermanentConfiguration.
var ErrNoSuchFolder = errors.New("no such folder")

// Classify tags a mailbox error with one of the sync error kinds so the job
// orchestrator can decide whether to retry. Already classified errors and
// context errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		common.ErrTransientNetwork, common.ErrPermanentConfiguration,
		common.ErrReconciliation, context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed,
			imap.ResponseCodeExpired, imap.ResponseCodePrivacyRequired:
			return fmt.Errorf("%w: %v", common.ErrPermanentConfiguration, err)
		case imap.ResponseCodeNonExistent:
			return fmt.Errorf("%w: %w: %v", common.ErrPermanentConfiguration, ErrNoSuchFolder, err)
		case imap.ResponseCodeNoPerm:
			return fmt.Errorf("%w: %v", common.ErrPermanentConfiguration, err)
		case imap.ResponseCodeUnavailable, imap.ResponseCodeServerBug, imap.ResponseCodeLimit, imap.ResponseCodeInUse:
			return fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
		}
		if imapErr.Type == imap.StatusResponseTypeBad {
			return fmt.Errorf("%w: %v", common.ErrPermanentConfiguration, err)
		}
		return fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return fmt.Errorf("%w: %v", common.ErrPermanentConfiguration, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return fmt.Errorf("%w: %v", common.ErrPermanentConfiguration, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", common.ErrTransientNetwork, err)
	}

	return err
}
