package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

var flagMap = []struct {
	bit  Flags
	flag imap.Flag
}{
	{FlagSeen, imap.FlagSeen},
	{FlagAnswered, imap.FlagAnswered},
	{FlagFlagged, imap.FlagFlagged},
	{FlagDeleted, imap.FlagDeleted},
	{FlagDraft, imap.FlagDraft},
}

// FlagsFromIMAP folds IMAP flags into a bitmask. Keywords are dropped.
func FlagsFromIMAP(flags []imap.Flag) Flags {
	var out Flags
	for _, f := range flags {
		for _, m := range flagMap {
			if f == m.flag {
				out |= m.bit
			}
		}
	}
	return out
}

// ToIMAP expands the bitmask back into IMAP system flags.
func (f Flags) ToIMAP() []imap.Flag {
	var out []imap.Flag
	for _, m := range flagMap {
		if f.Has(m.bit) {
			out = append(out, m.flag)
		}
	}
	return out
}

// IMAPDialer connects to real IMAP servers.
type IMAPDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial connects, optionally upgrades with STARTTLS, and logs in.
func (d *IMAPDialer) Dial(ctx context.Context, creds Credentials) (Client, error) {
	host, _, err := net.SplitHostPort(creds.Server)
	if err != nil {
		return nil, fmt.Errorf("%w: server %q: %v", common.ErrPermanentConfiguration, creds.Server, err)
	}

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if d.TLSConfig != nil {
		tlsConfig = d.TLSConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = host
		}
	}
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	netDialer := &net.Dialer{Timeout: d.Timeout}

	var c *imapclient.Client
	switch creds.TLSMode {
	case TLSImplicit, "":
		td := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err := td.DialContext(ctx, "tcp", creds.Server)
		if err != nil {
			return nil, Classify(fmt.Errorf("dial %s: %w", creds.Server, err))
		}
		c = imapclient.New(conn, opts)
	case TLSStartTLS:
		conn, err := netDialer.DialContext(ctx, "tcp", creds.Server)
		if err != nil {
			return nil, Classify(fmt.Errorf("dial %s: %w", creds.Server, err))
		}
		if c, err = imapclient.NewStartTLS(conn, opts); err != nil {
			_ = conn.Close()
			return nil, Classify(fmt.Errorf("starttls %s: %w", creds.Server, err))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported tls mode %q", common.ErrPermanentConfiguration, creds.TLSMode)
	}

	ic := &imapClient{c: c}
	err = ic.guard(ctx, func() error {
		return c.Login(creds.Username, creds.Password).Wait()
	})
	if err != nil {
		_ = c.Close()
		return nil, Classify(fmt.Errorf("login: %w", err))
	}
	return ic, nil
}

type imapClient struct {
	c        *imapclient.Client
	selected string
	status   Status
}

// guard runs fn and tears the connection down if ctx ends first, which
// unblocks any pending command.
func (ic *imapClient) guard(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = ic.c.Close() })
	err := fn()
	if !stop() && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (ic *imapClient) ListFolders(ctx context.Context) ([]string, error) {
	var list []*imap.ListData
	err := ic.guard(ctx, func() error {
		var err error
		list, err = ic.c.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("list folders: %w", err))
	}

	folders := make([]string, 0, len(list))
	for _, mb := range list {
		if hasAttr(mb.Attrs, imap.MailboxAttrNoSelect) || hasAttr(mb.Attrs, imap.MailboxAttrNonExistent) {
			continue
		}
		folders = append(folders, mb.Mailbox)
	}
	return folders, nil
}

func hasAttr(attrs []imap.MailboxAttr, target imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == target {
			return true
		}
	}
	return false
}

func (ic *imapClient) selectFolder(ctx context.Context, folder string) error {
	if ic.selected == folder {
		return nil
	}
	var data *imap.SelectData
	err := ic.guard(ctx, func() error {
		var err error
		data, err = ic.c.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
		return err
	})
	if err != nil {
		ic.selected = ""
		return Classify(fmt.Errorf("select %q: %w", folder, err))
	}
	ic.selected = folder
	ic.status = Status{Name: folder, UIDValidity: data.UIDValidity, Messages: data.NumMessages}
	return nil
}

func (ic *imapClient) Status(ctx context.Context, folder string) (Status, error) {
	// reselect so the message count is fresh
	ic.selected = ""
	if err := ic.selectFolder(ctx, folder); err != nil {
		return Status{}, err
	}
	return ic.status, nil
}

func (ic *imapClient) ListRange(ctx context.Context, folder string, from, to uint32) ([]ListEntry, error) {
	if err := ic.selectFolder(ctx, folder); err != nil {
		return nil, err
	}
	if from == 0 || to < from {
		return nil, nil
	}

	var seq imap.SeqSet
	seq.AddRange(from, to)

	var bufs []*imapclient.FetchMessageBuffer
	err := ic.guard(ctx, func() error {
		var err error
		bufs, err = ic.c.Fetch(seq, &imap.FetchOptions{UID: true, Flags: true}).Collect()
		return err
	})
	if err != nil {
		return nil, Classify(fmt.Errorf("list %q %d:%d: %w", folder, from, to, err))
	}

	out := make([]ListEntry, 0, len(bufs))
	for _, b := range bufs {
		out = append(out, ListEntry{UID: UID(b.UID), Flags: FlagsFromIMAP(b.Flags)})
	}
	return out, nil
}

func (ic *imapClient) Fetch(ctx context.Context, folder string, uids []UID) ([]Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ic.selectFolder(ctx, folder); err != nil {
		return nil, err
	}

	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	var out []Message
	err := ic.guard(ctx, func() error {
		cmd := ic.c.Fetch(imap.UIDSetNum(set...), opts)
		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				_ = cmd.Close()
				return err
			}
			out = append(out, Message{
				UID:          UID(buf.UID),
				Flags:        FlagsFromIMAP(buf.Flags),
				InternalDate: buf.InternalDate,
				Raw:          buf.FindBodySection(section),
			})
		}
		return cmd.Close()
	})
	if err != nil {
		return out, Classify(fmt.Errorf("fetch %q: %w", folder, err))
	}
	return out, nil
}

func (ic *imapClient) Append(ctx context.Context, folder string, flags Flags, raw []byte) error {
	return Classify(ic.guard(ctx, func() error {
		cmd := ic.c.Append(folder, int64(len(raw)), &imap.AppendOptions{Flags: flags.ToIMAP()})
		if _, err := cmd.Write(raw); err != nil {
			return err
		}
		if err := cmd.Close(); err != nil {
			return err
		}
		_, err := cmd.Wait()
		return err
	}))
}

func (ic *imapClient) Close() error {
	if err := ic.c.Logout().Wait(); err != nil {
		_ = ic.c.Close()
		return err
	}
	return ic.c.Close()
}
