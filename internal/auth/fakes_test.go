// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/rknop/rkwebutil/internal/auth"
	"github.com/rknop/rkwebutil/internal/platform/apperr"
	"github.com/rknop/rkwebutil/internal/platform/sec"
	"github.com/rknop/rkwebutil/pkg/uuid"
)

// # In-Memory Repositories
//
// The fakes mirror the PostgreSQL/Redis semantics the service depends on:
// missing rows map to the same apperr codes, Consume is atomic under a
// mutex, and session state round-trips through copies the way JSON does.

type fakeUserRepository struct {
	mu    sync.Mutex
	users []*auth.User
}

func (repository *fakeUserRepository) FindByID(_ context.Context, id string) (*auth.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	for _, user := range repository.users {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, apperr.NoSuchUser("I don't know the user you're looking for")
}

func (repository *fakeUserRepository) FindByUsername(_ context.Context, username string) (*auth.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	var matches []*auth.User
	for _, user := range repository.users {
		if user.Username == username {
			matches = append(matches, user)
		}
	}
	switch len(matches) {
	case 0:
		return nil, apperr.NoSuchUser(fmt.Sprintf("No such user %s", username))
	case 1:
		return matches[0], nil
	default:
		return nil, apperr.DataIntegrity(fmt.Sprintf("Multiple users with username %s", username))
	}
}

func (repository *fakeUserRepository) FindAllByEmail(_ context.Context, email string) ([]*auth.User, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	var matches []*auth.User
	for _, user := range repository.users {
		if user.Email == email {
			matches = append(matches, user)
		}
	}
	return matches, nil
}

type fakeLinkRepository struct {
	mu    sync.Mutex
	links map[string]*auth.PasswordLink
	users *fakeUserRepository
}

func newFakeLinkRepository(users *fakeUserRepository) *fakeLinkRepository {
	return &fakeLinkRepository{links: make(map[string]*auth.PasswordLink), users: users}
}

func (repository *fakeLinkRepository) Create(_ context.Context, userID string, ttl time.Duration) (*auth.PasswordLink, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	link := &auth.PasswordLink{
		ID:      uuid.New(),
		UserID:  userID,
		Expires: time.Now().Add(ttl),
	}
	repository.links[link.ID] = link
	return link, nil
}

func (repository *fakeLinkRepository) Find(_ context.Context, linkID string) (*auth.PasswordLink, error) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	link, found := repository.links[linkID]
	if !found {
		return nil, apperr.LinkNotFound("Unknown password reset link")
	}
	return link, nil
}

func (repository *fakeLinkRepository) Consume(ctx context.Context, linkID string, pubkeyPEM string, envelope *sec.Envelope) error {
	repository.mu.Lock()
	defer repository.mu.Unlock()

	link, found := repository.links[linkID]
	if !found {
		return apperr.LinkNotFound("Unknown password reset link")
	}
	if link.Expired(time.Now()) {
		return apperr.LinkExpired("Password reset link has expired")
	}

	user, err := repository.users.FindByID(ctx, link.UserID)
	if err != nil {
		return err
	}
	user.Pubkey = &pubkeyPEM
	user.Privkey = envelope

	delete(repository.links, linkID)
	return nil
}

// expire backdates a stored link so expiry paths can be tested without sleeping.
func (repository *fakeLinkRepository) expire(linkID string) {
	repository.mu.Lock()
	defer repository.mu.Unlock()
	if link, found := repository.links[linkID]; found {
		link.Expires = time.Now().Add(-time.Minute)
	}
}

type fakeSessionStore struct {
	mu     sync.Mutex
	states map[string]auth.State
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{states: make(map[string]auth.State)}
}

func (store *fakeSessionStore) Get(_ context.Context, sessionID string) (*auth.State, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	state, found := store.states[sessionID]
	if !found {
		return &auth.State{}, nil
	}
	copied := state
	return &copied, nil
}

func (store *fakeSessionStore) Save(_ context.Context, sessionID string, state *auth.State) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.states[sessionID] = *state
	return nil
}

func (store *fakeSessionStore) Delete(_ context.Context, sessionID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.states, sessionID)
	return nil
}

// # Recording Mailer

type sentMail struct {
	to      string
	subject string
	body    string
}

type recordingMailer struct {
	mu       sync.Mutex
	messages []sentMail
}

func (mailer *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	mailer.messages = append(mailer.messages, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (mailer *recordingMailer) sent() []sentMail {
	mailer.mu.Lock()
	defer mailer.mu.Unlock()
	return append([]sentMail(nil), mailer.messages...)
}

// # Key Fixture
//
// One 2048-bit key and one sealed envelope shared across the whole suite.
// The modulus size is irrelevant to the logic under test, and PBKDF2 at
// 100 000 iterations is slow enough to run exactly once.

const (
	fixtureUsername = "test"
	fixturePassword = "gratuitous"
	fixtureEmail    = "test@mailhog"
)

type keyFixture struct {
	key      *rsa.PrivateKey
	pubPEM   string
	envelope *sec.Envelope
}

var loadFixture = sync.OnceValue(func() *keyFixture {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	pubPEM, err := sec.ExportPublicPEM(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	der, err := sec.MarshalPKCS8(key)
	if err != nil {
		panic(err)
	}
	envelope, err := sec.SealWithPassword(der, fixturePassword)
	if err != nil {
		panic(err)
	}
	return &keyFixture{key: key, pubPEM: pubPEM, envelope: envelope}
})
