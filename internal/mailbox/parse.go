package mailbox

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	// registers charset decoders for non-UTF-8 bodies
	_ "github.com/emersion/go-message/charset"
)

// Parsed is the plaintext view of a message used for encryption and
// embedding. It never leaves the sync job in this form.
type Parsed struct {
	MessageID string
	From      string
	Subject   string
	Date      time.Time
	// Text is the text/plain body, or the HTML body when no plain part exists.
	Text string
}

// Parse reads headers and the first readable inline body of raw. A message
// with an unparsable MIME structure is treated as plain text so one broken
// message does not stall the folder.
func Parse(raw []byte) Parsed {
	var p Parsed

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		p.Text = string(raw)
		return p
	}
	defer mr.Close()

	h := mr.Header
	p.MessageID, _ = h.MessageID()
	p.Subject, _ = h.Subject()
	p.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0].Address
	} else {
		p.From = h.Get("From")
	}

	var html string
	for {
		part, err := mr.NextPart()
		if err == io.EOF || err != nil {
			break
		}

		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/plain") && p.Text == "":
			p.Text = string(body)
		case strings.HasPrefix(ct, "text/html") && html == "":
			html = string(body)
		}
	}
	if p.Text == "" {
		p.Text = html
	}
	return p
}

// NormalizeMessageID strips whitespace and angle brackets so "<a@b>" and
// "a@b" compare equal.
func NormalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
