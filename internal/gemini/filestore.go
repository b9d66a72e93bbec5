package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileManager provisions temporary file search stores for a research
// run and tears them down afterwards. Stores it creates are tracked so
// Cleanup only touches its own.
type FileManager struct {
	client        *Client
	createdStores []string
}

// NewFileManager wraps a client for store management.
func NewFileManager(client *Client) *FileManager {
	return &FileManager{client: client}
}

// CreateStoreFromPaths creates a file search store and uploads every
// path into it. Directories are walked recursively. Returns the store
// name ("fileSearchStores/...") for use in research requests.
func (m *FileManager) CreateStoreFromPaths(ctx context.Context, displayName string, paths []string) (string, error) {
	store, err := m.createStore(ctx, displayName)
	if err != nil {
		return "", err
	}
	m.createdStores = append(m.createdStores, store)

	files, err := expandPaths(paths)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no files found under %v", paths)
	}
	for _, f := range files {
		if err := m.uploadFile(ctx, store, f); err != nil {
			return "", fmt.Errorf("uploading %s: %w", f, err)
		}
	}
	return store, nil
}

// Cleanup force-deletes the documents and stores this manager created.
// Errors are collected, not short-circuited: a half-deleted store must
// not block deleting the rest.
func (m *FileManager) Cleanup(ctx context.Context) error {
	var errs []string
	for _, store := range m.createdStores {
		docs, err := m.listDocuments(ctx, store)
		if err != nil {
			errs = append(errs, err.Error())
		}
		for _, doc := range docs {
			if err := m.deleteDocument(ctx, doc); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := m.deleteStore(ctx, store); err != nil {
			errs = append(errs, err.Error())
		}
	}
	m.createdStores = nil
	if len(errs) > 0 {
		return fmt.Errorf("cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Stores returns the store names this manager has created.
func (m *FileManager) Stores() []string {
	return append([]string(nil), m.createdStores...)
}

func (m *FileManager) createStore(ctx context.Context, displayName string) (string, error) {
	var created struct {
		Name string `json:"name"`
	}
	body := map[string]string{"displayName": displayName}
	if err := m.client.postJSON(ctx, "/fileSearchStores", body, &created); err != nil {
		return "", fmt.Errorf("creating file search store: %w", err)
	}
	if created.Name == "" {
		return "", fmt.Errorf("creating file search store: empty name in response")
	}
	return created.Name, nil
}

// uploadFile sends one file as a multipart upload: a JSON metadata part
// followed by the file content.
func (m *FileManager) uploadFile(ctx context.Context, store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, _ := json.Marshal(map[string]any{
		"file": map[string]string{"display_name": filepath.Base(path)},
	})
	metaHdr := make(map[string][]string)
	metaHdr["Content-Type"] = []string{"application/json"}
	part, err := w.CreatePart(metaHdr)
	if err != nil {
		return err
	}
	if _, err := part.Write(meta); err != nil {
		return err
	}

	filePart, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(filePart, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	uploadURL := m.client.uploadEndpoint("/" + store + ":uploadToFileSearchStore")
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func (m *FileManager) listDocuments(ctx context.Context, store string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.client.endpoint("/"+store+"/documents", nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing documents in %s: %w", store, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	var listing struct {
		Documents []struct {
			Name string `json:"name"`
		} `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decoding document list: %w", err)
	}
	names := make([]string, 0, len(listing.Documents))
	for _, d := range listing.Documents {
		names = append(names, d.Name)
	}
	return names, nil
}

func (m *FileManager) deleteDocument(ctx context.Context, doc string) error {
	q := url.Values{"force": {"true"}}
	return m.doDelete(ctx, m.client.endpoint("/"+doc, q), "document "+doc)
}

func (m *FileManager) deleteStore(ctx context.Context, store string) error {
	return m.doDelete(ctx, m.client.endpoint("/"+store, nil), "store "+store)
}

func (m *FileManager) doDelete(ctx context.Context, deleteURL, what string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", deleteURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", what, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("deleting %s: %w", what, httpError(resp))
	}
	return nil
}

// expandPaths resolves files and recursively walked directories into a
// flat file list.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
