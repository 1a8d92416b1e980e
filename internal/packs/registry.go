package packs

import (
	"context"
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Client pushes and pulls packs from OCI registries.
type Client struct {
	// PlainHTTP allows insecure registries (dev/test).
	PlainHTTP bool
	// Username for registry auth; anonymous when empty.
	Username string
	// Password for registry auth.
	Password string
}

// NewClient creates a client for OCI registry operations.
func NewClient() *Client {
	return &Client{}
}

// WithAuth sets credentials for registry authentication.
func (c *Client) WithAuth(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (c *Client) WithPlainHTTP(plain bool) *Client {
	c.PlainHTTP = plain
	return c
}

// PushResult reports a completed push.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ContentSize int64    `json:"content_size"`
	Files       []string `json:"files"`
}

// Pulled is a fetched pack before or after extraction.
type Pulled struct {
	Ref      string   `json:"ref"`
	Digest   string   `json:"digest"`
	Size     int64    `json:"size"`
	Manifest Manifest `json:"manifest"`
	Content  []byte   `json:"-"`
}

// Push packs a playbook directory and pushes it to the registry.
func (c *Client) Push(ctx context.Context, dir string, ref *Ref) (*PushResult, error) {
	packed, err := Pack(dir)
	if err != nil {
		return nil, err
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeManifest, packed.Config)
	if err != nil {
		return nil, fmt.Errorf("stage manifest: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, packed.Content)
	if err != nil {
		return nil, fmt.Errorf("stage content: %w", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType,
		oras.PackManifestOptions{
			Layers:           []ocispec.Descriptor{contentDesc},
			ConfigDescriptor: &configDesc,
		})
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := c.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	pushed, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      pushed.Digest.String(),
		ContentSize: contentDesc.Size,
		Files:       packed.Manifest.Files,
	}, nil
}

// Pull fetches a pack and returns its manifest and content layer without
// extracting.
func (c *Client) Pull(ctx context.Context, ref *Ref) (*Pulled, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	}
	if pullRef == "" {
		pullRef = "latest"
	}

	store := memory.New()
	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", ref, err)
	}

	manifestBytes, err := content.FetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var ociManifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &ociManifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if ociManifest.Config.MediaType != MediaTypeManifest {
		return nil, fmt.Errorf("%s is not a runbook pack (config %s)", ref, ociManifest.Config.MediaType)
	}
	configBytes, err := content.FetchAll(ctx, store, ociManifest.Config)
	if err != nil {
		return nil, fmt.Errorf("fetch pack manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(configBytes, &m); err != nil {
		return nil, fmt.Errorf("parse pack manifest: %w", err)
	}

	var contentData []byte
	for _, layer := range ociManifest.Layers {
		if layer.MediaType != MediaTypeContent {
			continue
		}
		contentData, err = content.FetchAll(ctx, store, layer)
		if err != nil {
			return nil, fmt.Errorf("fetch content layer: %w", err)
		}
		break
	}
	if contentData == nil {
		return nil, fmt.Errorf("%s has no content layer", ref)
	}

	return &Pulled{
		Ref:      ref.String(),
		Digest:   manifestDesc.Digest.String(),
		Size:     manifestDesc.Size,
		Manifest: m,
		Content:  contentData,
	}, nil
}

// PullToDir fetches a pack and extracts its verified files into destDir.
func (c *Client) PullToDir(ctx context.Context, ref *Ref, destDir string) (*Pulled, error) {
	pulled, err := c.Pull(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := Unpack(pulled.Content, pulled.Manifest, destDir); err != nil {
		return nil, err
	}
	return pulled, nil
}

func (c *Client) repository(ref *Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Path))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = c.PlainHTTP

	if c.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}
	return repo, nil
}
