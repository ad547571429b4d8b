// Package platform defines the publish contract shared by the network
// adapters, the registry that selects one by platform tag, and the
// HTTP client every adapter sends through.
package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"sort"

	"postpilot/internal/media"
	"postpilot/internal/post"
)

// Adapter publishes one post to one network.
//
// m is the staged attachment for this platform, or nil for text-only posts.
// The adapter never releases m; the caller owns its lifetime.
type Adapter interface {
	Platform() post.Platform
	Publish(ctx context.Context, p post.Post, cred post.Credential, m *media.Handle) (string, error)
}

// Registry maps platform tags to adapters.
type Registry struct {
	adapters map[post.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[post.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Get(p post.Platform) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.adapters[p]
	return a, ok
}

func (r *Registry) Platforms() []post.Platform {
	out := make([]post.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MultipartFile builds an in-memory multipart body with the given fields and
// one file part. The returned buffer can be replayed by the retry policy.
func MultipartFile(fields map[string]string, fileField string, m *media.Handle) (*bytes.Buffer, string, error) {
	f, err := m.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return multipartBody(fields, fileField, m.Name(), f)
}

func multipartBody(fields map[string]string, fileField, fileName string, r io.Reader) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return nil, "", err
		}
	}
	if fileField != "" {
		part, err := w.CreateFormFile(fileField, fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, r); err != nil {
			return nil, "", fmt.Errorf("write multipart file: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// MultipartBytes is MultipartFile for an in-memory chunk.
func MultipartBytes(fields map[string]string, fileField, fileName string, chunk []byte) (*bytes.Buffer, string, error) {
	return multipartBody(fields, fileField, fileName, bytes.NewReader(chunk))
}
