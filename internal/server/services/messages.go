package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/mailbox"
	"github.com/dmitrijs2005/mailvault/internal/server/blobstore"
	"github.com/dmitrijs2005/mailvault/internal/server/embedding"
	"github.com/dmitrijs2005/mailvault/internal/server/models"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
)

// MessageView is a decrypted message. Body is only filled by Get.
type MessageView struct {
	ID         string
	Folder     string
	UID        mailbox.UID
	Flags      mailbox.Flags
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Embedding  []float32
}

// MessageService is the read path over the mirror. Any decryption failure
// aborts the call; a field that was never stored reads as empty.
type MessageService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	blobs       blobstore.Store
}

func NewMessageService(db *sql.DB, m repomanager.RepositoryManager, blobs blobstore.Store) *MessageService {
	return &MessageService{db: db, repomanager: m, blobs: blobs}
}

func openField(keys *cryptox.FieldCipher, ciphertext []byte) (string, error) {
	s, err := keys.DecryptString(ciphertext)
	if errors.Is(err, common.ErrFieldMissing) {
		return "", nil
	}
	return s, err
}

func (s *MessageService) view(ctx context.Context, keys *cryptox.FieldCipher, m *models.Message, withBody bool) (*MessageView, error) {
	v := &MessageView{ID: m.ID, Folder: m.Folder, UID: m.UID, Flags: m.Flags, ReceivedAt: m.ReceivedAt}

	var err error
	if v.From, err = openField(keys, m.SenderEnc); err != nil {
		return nil, fmt.Errorf("message %s sender: %w", m.ID, err)
	}
	if v.Subject, err = openField(keys, m.SubjectEnc); err != nil {
		return nil, fmt.Errorf("message %s subject: %w", m.ID, err)
	}
	if len(m.Embedding) > 0 {
		if v.Embedding, err = embedding.Decode(m.Embedding); err != nil {
			return nil, fmt.Errorf("message %s embedding: %w", m.ID, err)
		}
	}
	if !withBody {
		return v, nil
	}

	body := m.BodyEnc
	if m.BodyStorageKey != "" {
		if body, err = s.blobs.Get(ctx, m.BodyStorageKey); err != nil {
			return nil, fmt.Errorf("message %s body: %w", m.ID, err)
		}
	}
	if v.Body, err = openField(keys, body); err != nil {
		return nil, fmt.Errorf("message %s body: %w", m.ID, err)
	}
	return v, nil
}

// Get returns one decrypted message including its body.
func (s *MessageService) Get(ctx context.Context, accountID, id string, keys *cryptox.FieldCipher) (*MessageView, error) {
	m, err := s.repomanager.Messages(s.db).Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, keys, m, true)
}

// List pages through a folder newest first, without bodies.
func (s *MessageService) List(ctx context.Context, accountID, folder string, limit, offset int, keys *cryptox.FieldCipher) ([]*MessageView, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := s.repomanager.Messages(s.db).List(ctx, accountID, folder, limit, offset)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, keys, msgs)
}

// FindByMessageID finds every copy of a Message-ID header value across
// folders using its keyed hash.
func (s *MessageService) FindByMessageID(ctx context.Context, accountID, messageID string, keys *cryptox.FieldCipher) ([]*MessageView, error) {
	hash, err := keys.HashString(mailbox.NormalizeMessageID(messageID))
	if err != nil {
		return nil, err
	}
	msgs, err := s.repomanager.Messages(s.db).FindByMessageIDHash(ctx, accountID, hash)
	if err != nil {
		return nil, err
	}
	return s.views(ctx, keys, msgs)
}

func (s *MessageService) views(ctx context.Context, keys *cryptox.FieldCipher, msgs []*models.Message) ([]*MessageView, error) {
	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, err := s.view(ctx, keys, m, false)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
