package core

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/auth"
	"gwi.com/chatcore/internal/chaterr"
	"gwi.com/chatcore/internal/store"
)

const minPasswordLength = 8

// UserService provisions identities and checks credentials.
type UserService struct {
	dbStore *store.SQLiteStore
}

func NewUserService(db *store.SQLiteStore) *UserService {
	return &UserService{dbStore: db}
}

func (s *UserService) Signup(ctx context.Context, username, password, displayName string) (*store.User, error) {
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	if username == "" || password == "" {
		return nil, chaterr.InvalidRequest("username and password are required")
	}
	if len(password) < minPasswordLength {
		return nil, chaterr.InvalidRequest("password is too short")
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	user, err := s.dbStore.CreateUser(ctx, username, displayName, hash)
	if err != nil {
		return nil, err
	}
	jww.INFO.Printf("Created user %s (%s)", user.Username, user.ID)
	return user, nil
}

// Login returns the user when the credentials match. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *UserService) Login(ctx context.Context, username, password string) (*store.User, error) {
	user, err := s.dbStore.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, chaterr.ErrUserNotFound) {
			return nil, chaterr.ErrUnauthenticated
		}
		return nil, err
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, chaterr.ErrUnauthenticated
	}
	return user, nil
}

func (s *UserService) GetUser(ctx context.Context, userID string) (*store.User, error) {
	return s.dbStore.GetUserByID(ctx, userID)
}
