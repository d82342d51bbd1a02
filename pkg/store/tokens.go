package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// AddToken generates a new bearer token and records it, returning the token
// string clients should present via the sync protocol's Auth message.
func (s *Store) AddToken(ctx context.Context) (string, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	tok := Token{Token: uuid.NewString(), CreatedAt: time.Now()}
	if _, err := s.index.NewInsert().Model(&tok).Exec(ctx); err != nil {
		return "", werrors.NewIOFailure(err, "store: add token")
	}
	return tok.Token, nil
}

// VerifyToken reports whether tok is a currently-recorded token.
func (s *Store) VerifyToken(ctx context.Context, tok string) (bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	count, err := s.index.NewSelect().Model((*Token)(nil)).Where("token = ?", tok).Count(ctx)
	if err != nil {
		return false, werrors.NewIOFailure(err, "store: verify token")
	}
	return count > 0, nil
}

// RevokeToken removes tok so it no longer authorizes sync operations.
func (s *Store) RevokeToken(ctx context.Context, tok string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if _, err := s.index.NewDelete().Model((*Token)(nil)).Where("token = ?", tok).Exec(ctx); err != nil {
		return werrors.NewIOFailure(err, "store: revoke token")
	}
	return nil
}

// ListTokens returns every recorded token, newest first.
func (s *Store) ListTokens(ctx context.Context) ([]Token, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var toks []Token
	if err := s.index.NewSelect().Model(&toks).OrderExpr("created_at DESC").Scan(ctx); err != nil {
		return nil, werrors.NewIOFailure(err, "store: list tokens")
	}
	return toks, nil
}
