// Package kavita talks to the Kavita media server: credential checks
// for login and library folder discovery for duplicate detection.
package kavita

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bookgate/uploader-backend/internal/conf"
	"github.com/bookgate/uploader-backend/internal/pkg/errors"
	"github.com/bookgate/uploader-backend/internal/pkg/logger"
)

// AccountInfo is the subset of the Kavita login response we keep.
type AccountInfo struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Token    string   `json:"token"`
	Roles    []string `json:"roles"`
}

// Client is the Kavita API client. Library listings are cached for
// cfg.CacheTTL to keep duplicate checks off the Kavita server.
type Client struct {
	baseURL string
	client  *http.Client
	cfg     conf.KavitaConfig
	log     *logger.Logger

	mu          sync.Mutex
	cachedPaths []string
	cachedAt    time.Time
}

func NewClient(cfg conf.KavitaConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cfg:     cfg,
		log:     log,
	}
}

// Authenticate validates credentials against the Kavita login endpoint.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*AccountInfo, error) {
	if !c.cfg.Enabled {
		return nil, errors.New(errors.ErrForbidden, "kavita authentication is not enabled")
	}

	payload, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/Account/login", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrAuthKavitaUnreachable, "failed to reach kavita server")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrAuthKavitaUnreachable, "failed to read kavita response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, errors.New(errors.ErrAuthInvalidCredentials, "invalid username or password")
	default:
		c.log.Error("kavita login returned unexpected status",
			zap.Int("status_code", resp.StatusCode))
		return nil, errors.New(errors.ErrAuthKavitaUnreachable,
			fmt.Sprintf("kavita server error: %d", resp.StatusCode))
	}

	info := &AccountInfo{
		Username: username,
		Email:    gjson.GetBytes(body, "email").String(),
		Token:    gjson.GetBytes(body, "token").String(),
	}
	for _, role := range gjson.GetBytes(body, "roles").Array() {
		info.Roles = append(info.Roles, role.String())
	}

	c.log.Info("kavita authentication successful", zap.String("username", username))
	return info, nil
}

// LibraryPaths returns the folder roots of every Kavita library.
func (c *Client) LibraryPaths(ctx context.Context) ([]string, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}

	c.mu.Lock()
	if c.cachedPaths != nil && time.Since(c.cachedAt) < c.cacheTTL() {
		paths := c.cachedPaths
		c.mu.Unlock()
		return paths, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/Library/list", nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch kavita libraries: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read kavita library list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kavita library list returned status %d", resp.StatusCode)
	}

	paths := parseLibraryPaths(body)

	c.mu.Lock()
	c.cachedPaths = paths
	c.cachedAt = time.Now()
	c.mu.Unlock()

	c.log.Info("fetched kavita library paths", zap.Int("count", len(paths)))
	return paths, nil
}

func (c *Client) cacheTTL() time.Duration {
	if c.cfg.CacheTTL > 0 {
		return c.cfg.CacheTTL
	}
	return 5 * time.Minute
}

// parseLibraryPaths extracts folder paths from a library listing.
// Kavita versions differ in shape: folders may be strings or objects,
// and the field has been named folders, rootFolders and folderPaths.
func parseLibraryPaths(body []byte) []string {
	root := gjson.ParseBytes(body)
	libraries := root
	if !root.IsArray() {
		for _, key := range []string{"data", "libraries"} {
			if v := root.Get(key); v.IsArray() {
				libraries = v
				break
			}
		}
	}

	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, lib := range libraries.Array() {
		if lib.Type == gjson.String {
			add(lib.String())
			continue
		}
		folders := lib.Get("folders")
		if !folders.Exists() {
			folders = lib.Get("rootFolders")
		}
		if !folders.Exists() {
			folders = lib.Get("folderPaths")
		}
		for _, folder := range folders.Array() {
			if folder.Type == gjson.String {
				add(folder.String())
				continue
			}
			for _, key := range []string{"path", "folder", "folderPath"} {
				if p := folder.Get(key); p.Exists() {
					add(p.String())
					break
				}
			}
		}
		if !folders.Exists() {
			for _, key := range []string{"path", "folderPath"} {
				if p := lib.Get(key); p.Exists() {
					add(p.String())
					break
				}
			}
		}
	}
	return paths
}

// StaticProvider serves a fixed path list when Kavita is disabled.
type StaticProvider struct {
	Paths []string
}

func (s *StaticProvider) LibraryPaths(context.Context) ([]string, error) {
	return s.Paths, nil
}
