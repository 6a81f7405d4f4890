package send

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// StaticTokenSource returns the same token on every call. Useful for tests
// and for deployments where the session layer injects a long-lived token.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a source that always yields token.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	return s.token, nil
}

// FileTokenSource reads a bearer token from a file maintained by the session
// layer. The token is cached; forceRefresh re-reads the file, picking up a
// token the session layer rotated while a message sat queued.
type FileTokenSource struct {
	path string

	mu    sync.Mutex
	token string
}

// NewFileTokenSource creates a source reading tokens from path.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

func (s *FileTokenSource) Token(ctx context.Context, forceRefresh bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && !forceRefresh {
		return s.token, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", s.path)
	}

	s.token = token
	return token, nil
}
