// Package vaultctl implements the mailvault admin command. Vault and
// account commands work directly against the database; sync commands go
// through the SyncService.
package vaultctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server"
	"github.com/dmitrijs2005/mailvault/internal/server/config"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/services"
	"github.com/dmitrijs2005/mailvault/internal/syncapi"
)

var (
	ErrUsage          = errors.New("usage")
	ErrSecretMismatch = errors.New("secrets are empty or do not match")
	ErrNoDatabase     = errors.New("no database configured")
)

const usage = `usage: vaultctl [flags] <command> [args]

  register <username>                      create a vault user
  rotate <username>                        change the vault secret
  add-account <username>                   store mailbox credentials
  accounts <username>                      list mail accounts
  remove-account <username> <account-id>   delete an account and its mail
  sync <username> <account-id> [folder...] run a sync and follow it
  status <username> <job-id>               show a sync job
  cancel <username> <job-id>               cancel a sync job`

type vaultAdmin interface {
	Register(ctx context.Context, username string, secret []byte) (*models.User, error)
	Login(ctx context.Context, username string, secret []byte) (string, string, error)
	Unlock(ctx context.Context, userID string, secret []byte) (*cryptox.FieldCipher, error)
	RotateSecret(ctx context.Context, userID string, oldSecret, newSecret []byte) error
}

type accountAdmin interface {
	CreateAccount(ctx context.Context, userID string, keys *cryptox.FieldCipher, creds mailbox.Credentials) (*models.MailAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]*models.MailAccount, error)
	LoadCredentials(ctx context.Context, userID, accountID string, keys *cryptox.FieldCipher) (mailbox.Credentials, error)
	DeleteAccount(ctx context.Context, userID, accountID string) error
}

type syncClient interface {
	Enqueue(ctx context.Context, accountID string, folders []string, maxMessages int) (string, error)
	Status(ctx context.Context, jobID string) (syncapi.JobStatus, error)
	Cancel(ctx context.Context, jobID string) (bool, error)
	Close() error
}

type store struct {
	vault    vaultAdmin
	accounts accountAdmin
	close    func() error
}

type App struct {
	config       *config.Config
	in           *bufio.Reader
	out          io.Writer
	pollInterval time.Duration

	openStore func(ctx context.Context) (*store, error)
	dialSync  func(username string, secret []byte) (syncClient, error)
}

func NewApp(c *config.Config, in io.Reader, out io.Writer) *App {
	a := &App{
		config:       c,
		in:           bufio.NewReader(in),
		out:          out,
		pollInterval: time.Second,
	}
	a.openStore = a.openDatabase
	a.dialSync = func(username string, secret []byte) (syncClient, error) {
		return NewGRPCClient(c.EndpointAddrGRPC, username, secret)
	}
	return a
}

func (a *App) openDatabase(ctx context.Context) (*store, error) {
	if a.config.DatabaseDSN == "" {
		return nil, ErrNoDatabase
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(a.config.LogLevel)})
	logger := logging.NewSlogLogger(slog.New(h))

	db, rm, err := server.OpenStorage(ctx, a.config, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := server.OpenBlobStore(ctx, a.config)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{
		vault:    services.NewVaultService(db, rm, a.config, logger),
		accounts: services.NewAccountService(db, rm, blobs, logger),
		close:    db.Close,
	}, nil
}

// Run executes one command. args excludes flags.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]
	need := map[string]int{
		"register": 1, "rotate": 1, "add-account": 1, "accounts": 1,
		"remove-account": 2, "sync": 2, "status": 2, "cancel": 2,
	}
	n, ok := need[cmd]
	if !ok || len(rest) < n || (cmd != "sync" && len(rest) > n) {
		fmt.Fprintln(a.out, usage)
		return ErrUsage
	}

	switch cmd {
	case "sync", "status", "cancel":
		return a.runRemote(ctx, cmd, rest)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	switch cmd {
	case "register":
		return a.register(ctx, st, rest[0])
	case "rotate":
		return a.rotate(ctx, st, rest[0])
	case "add-account":
		return a.addAccount(ctx, st, rest[0])
	case "accounts":
		return a.listAccounts(ctx, st, rest[0])
	default:
		return a.removeAccount(ctx, st, rest[0], rest[1])
	}
}

func (a *App) register(ctx context.Context, st *store, username string) error {
	secret, err := GetNewPassword(a.out, "Vault secret")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(secret)

	u, err := st.vault.Register(ctx, username, secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "registered %s (%s)\n", u.UserName, u.ID)
	return nil
}

// login checks the vault secret and returns the user id with the secret,
// which the caller wipes.
func (a *App) login(ctx context.Context, st *store, username string) (string, []byte, error) {
	secret, err := GetPassword(a.out, "Vault secret")
	if err != nil {
		return "", nil, err
	}
	userID, _, err := st.vault.Login(ctx, username, secret)
	if err != nil {
		common.WipeByteArray(secret)
		return "", nil, err
	}
	return userID, secret, nil
}

func (a *App) unlock(ctx context.Context, st *store, username string) (string, *cryptox.FieldCipher, error) {
	userID, secret, err := a.login(ctx, st, username)
	if err != nil {
		return "", nil, err
	}
	defer common.WipeByteArray(secret)

	keys, err := st.vault.Unlock(ctx, userID, secret)
	if err != nil {
		return "", nil, err
	}
	return userID, keys, nil
}

func (a *App) rotate(ctx context.Context, st *store, username string) error {
	userID, oldSecret, err := a.login(ctx, st, username)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(oldSecret)

	newSecret, err := GetNewPassword(a.out, "New vault secret")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(newSecret)

	if err := st.vault.RotateSecret(ctx, userID, oldSecret, newSecret); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "secret rotated")
	return nil
}

func (a *App) addAccount(ctx context.Context, st *store, username string) error {
	userID, keys, err := a.unlock(ctx, st, username)
	if err != nil {
		return err
	}
	defer keys.Wipe()

	var creds mailbox.Credentials
	if creds.Server, err = GetSimpleText(a.in, "IMAP server (host:port)", a.out); err != nil {
		return err
	}
	if creds.Username, err = GetSimpleText(a.in, "Mailbox username", a.out); err != nil {
		return err
	}
	mode, err := GetSimpleText(a.in, "TLS mode (tls, starttls) [tls]", a.out)
	if err != nil {
		return err
	}
	switch mailbox.TLSMode(mode) {
	case "", mailbox.TLSImplicit:
		creds.TLSMode = mailbox.TLSImplicit
	case mailbox.TLSStartTLS:
		creds.TLSMode = mailbox.TLSStartTLS
	default:
		return fmt.Errorf("%w: unknown TLS mode %q", common.ErrPermanentConfiguration, mode)
	}

	pw, err := GetPassword(a.out, "Mailbox password")
	if err != nil {
		return err
	}
	creds.Password = string(pw)
	common.WipeByteArray(pw)

	acc, err := st.accounts.CreateAccount(ctx, userID, keys, creds)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "account %s added\n", acc.ID)
	return nil
}

func (a *App) listAccounts(ctx context.Context, st *store, username string) error {
	userID, keys, err := a.unlock(ctx, st, username)
	if err != nil {
		return err
	}
	defer keys.Wipe()

	accs, err := st.accounts.ListAccounts(ctx, userID)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		fmt.Fprintln(a.out, "no accounts")
		return nil
	}
	for _, acc := range accs {
		creds, err := st.accounts.LoadCredentials(ctx, userID, acc.ID, keys)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s  %s  %s  %s\n", acc.ID, creds.Server, logging.MaskEmail(creds.Username), acc.TLSMode)
	}
	return nil
}

func (a *App) removeAccount(ctx context.Context, st *store, username, accountID string) error {
	userID, secret, err := a.login(ctx, st, username)
	if err != nil {
		return err
	}
	common.WipeByteArray(secret)

	if err := st.accounts.DeleteAccount(ctx, userID, accountID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "account %s removed\n", accountID)
	return nil
}

func (a *App) runRemote(ctx context.Context, cmd string, args []string) error {
	secret, err := GetPassword(a.out, "Vault secret")
	if err != nil {
		return err
	}
	c, err := a.dialSync(args[0], secret)
	common.WipeByteArray(secret)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	switch cmd {
	case "sync":
		return a.sync(ctx, c, args[1], args[2:])
	case "status":
		st, err := c.Status(ctx, args[1])
		if err != nil {
			return err
		}
		return a.printJSON(st)
	default:
		ok, err := c.Cancel(ctx, args[1])
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(a.out, "cancelled")
		} else {
			fmt.Fprintln(a.out, "job already finished")
		}
		return nil
	}
}

// sync enqueues a job and follows it until it ends. Interrupting the
// command cancels the job.
func (a *App) sync(ctx context.Context, c syncClient, accountID string, folders []string) error {
	id, err := c.Enqueue(ctx, accountID, folders, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "job %s queued\n", id)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	var last string
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return a.cancelOnExit(c, id, ctx.Err())
			}
			return err
		}
		if line := fmt.Sprintf("%s %s %s", st.State, st.Phase, st.Message); line != last {
			fmt.Fprintln(a.out, strings.TrimSpace(line))
			last = line
		}
		if st.Terminal() {
			if st.State != "completed" {
				return fmt.Errorf("sync %s: %s", st.State, st.LastError)
			}
			return a.printJSON(st.Stats)
		}

		select {
		case <-ctx.Done():
			return a.cancelOnExit(c, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (a *App) cancelOnExit(c syncClient, id string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Cancel(ctx, id); err != nil {
		return errors.Join(cause, err)
	}
	fmt.Fprintf(a.out, "job %s cancelled\n", id)
	return cause
}

func (a *App) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, string(b))
	return nil
}
