package hub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const apiBaseURL = "https://huggingface.co/api"

// Uploader publishes the contents of an output directory as a HuggingFace
// model repository.
type Uploader struct {
	RepoID    string // e.g. "someone/my-fine-tuned-e5".
	AuthToken string
	Client    *http.Client // Defaults to http.DefaultClient.
}

func (u *Uploader) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return http.DefaultClient
}

// CreateRepo creates the model repository if it does not exist yet.
func (u *Uploader) CreateRepo() error {
	owner, name, found := strings.Cut(u.RepoID, "/")
	if !found {
		return errors.Errorf("hub model id %q must look like owner/name", u.RepoID)
	}
	body, _ := json.Marshal(map[string]any{
		"type":         "model",
		"organization": owner,
		"name":         name,
		"private":      false,
	})
	response, err := u.post(apiBaseURL+"/repos/create", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "creating repository %q", u.RepoID)
	}
	defer func() { _ = response.Body.Close() }()
	// 409 means the repository already exists, which is fine for re-runs.
	if response.StatusCode >= 300 && response.StatusCode != http.StatusConflict {
		return errors.Errorf("creating repository %q: %s", u.RepoID, responseError(response))
	}
	return nil
}

// PushDirectory commits every regular file under dir to the repository in a
// single commit. Checkpoint subdirectories (step_* and epoch_*) and the
// document stores are not published, matching the .gitignore written next to
// them.
func (u *Uploader) PushDirectory(dir, message string) error {
	url := fmt.Sprintf("%s/models/%s/commit/main", apiBaseURL, u.RepoID)
	return u.pushTo(url, dir, message)
}

func (u *Uploader) pushTo(url, dir, message string) error {
	var commit bytes.Buffer
	encoder := json.NewEncoder(&commit)
	if err := encoder.Encode(commitLine{Key: "header", Value: map[string]any{"summary": message}}); err != nil {
		return errors.Wrap(err, "encoding commit header")
	}

	numFiles := 0
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if ignoredDir(entry.Name()) && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Name() == ".gitignore" {
			return nil
		}
		relative, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %q for upload", path)
		}
		numFiles++
		return encoder.Encode(commitLine{Key: "file", Value: map[string]any{
			"path":     filepath.ToSlash(relative),
			"content":  base64.StdEncoding.EncodeToString(content),
			"encoding": "base64",
		}})
	})
	if err != nil {
		return err
	}
	if numFiles == 0 {
		return errors.Errorf("nothing to upload under %q", dir)
	}

	response, err := u.post(url, "application/x-ndjson", &commit)
	if err != nil {
		return errors.Wrapf(err, "pushing %d files to %q", numFiles, u.RepoID)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode >= 300 {
		return errors.Errorf("pushing to %q: %s", u.RepoID, responseError(response))
	}
	klog.Infof("Pushed %d files to https://huggingface.co/%s", numFiles, u.RepoID)
	return nil
}

type commitLine struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

func ignoredDir(name string) bool {
	return strings.HasPrefix(name, "step_") ||
		strings.HasPrefix(name, "epoch_") ||
		strings.HasSuffix(name, ".docstore")
}

func (u *Uploader) post(url, contentType string, body io.Reader) (*http.Response, error) {
	request, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", contentType)
	if u.AuthToken != "" {
		request.Header.Set("Authorization", "Bearer "+u.AuthToken)
	}
	return u.client().Do(request)
}

func responseError(response *http.Response) string {
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	return fmt.Sprintf("%s: %s", response.Status, strings.TrimSpace(string(payload)))
}
