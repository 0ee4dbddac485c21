/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package plandist pushes and pulls compiled ExecutablePlan bundles (and
// Policy DSL source bundles) as OCI artifacts, so a plan compiled in one
// tenant's control plane can be exported and imported into another
// registry without re-running the compiler. Modeled on a skill-distribution
// client's Push/Pull over an in-memory oras content store, copied to/from
// a remote repository, generalized from a packed skill directory to a
// single plan-or-policy JSON blob.
package plandist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/anumate/capcore/internal/plancompiler/planmodel"
)

const (
	// MediaTypePlanConfig is the OCI config media type for a plan artifact.
	MediaTypePlanConfig = "application/vnd.capcore.plan.config.v1+json"
	// MediaTypePlanContent is the OCI layer media type holding the plan's JSON.
	MediaTypePlanContent = "application/vnd.capcore.plan.content.v1+json"
	// MediaTypePolicyContent is the OCI layer media type for a Policy DSL source bundle.
	MediaTypePolicyContent = "application/vnd.capcore.policy.content.v1+yaml"

	artifactTypePlan   = "application/vnd.capcore.plan.v1"
	artifactTypePolicy = "application/vnd.capcore.policy.v1"
)

// Ref addresses one artifact in an OCI registry.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

func (r *Ref) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Path, r.Digest)
	}
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Path, tag)
}

// PlanManifest is the config blob describing a pushed plan artifact.
type PlanManifest struct {
	PlanID   string `json:"plan_id"`
	PlanHash string `json:"plan_hash"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// PushResult reports where a push landed.
type PushResult struct {
	Ref         string `json:"ref"`
	Digest      string `json:"digest"`
	ConfigSize  int64  `json:"config_size"`
	ContentSize int64  `json:"content_size"`
}

// PullResult reports what a pull fetched.
type PullResult struct {
	Ref      string       `json:"ref"`
	Digest   string       `json:"digest"`
	Size     int64        `json:"size"`
	Manifest PlanManifest `json:"manifest"`
}

// Client pushes and pulls plan/policy artifacts from OCI registries.
type Client struct {
	PlainHTTP bool
	Username  string
	Password  string
}

// NewClient builds a Client with anonymous, TLS registry access by default.
func NewClient() *Client {
	return &Client{}
}

// WithAuth sets registry credentials.
func (c *Client) WithAuth(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

// WithPlainHTTP enables plain HTTP for dev/test registries.
func (c *Client) WithPlainHTTP(plain bool) *Client {
	c.PlainHTTP = plain
	return c
}

// PushPlan packages an ExecutablePlan as a single-layer OCI artifact and
// pushes it to ref.
func (c *Client) PushPlan(ctx context.Context, plan *planmodel.ExecutablePlan, ref *Ref) (*PushResult, error) {
	content, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	config, err := json.Marshal(PlanManifest{
		PlanID:   plan.PlanID.String(),
		PlanHash: plan.PlanHash,
		TenantID: plan.TenantID.String(),
		Name:     plan.Name,
		Version:  plan.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal plan manifest: %w", err)
	}

	return c.push(ctx, ref, artifactTypePlan, MediaTypePlanConfig, config, MediaTypePlanContent, content)
}

// PullPlan fetches a previously pushed plan artifact and decodes its content layer.
func (c *Client) PullPlan(ctx context.Context, ref *Ref) (*planmodel.ExecutablePlan, *PullResult, error) {
	content, manifestDesc, manifest, err := c.pull(ctx, ref, MediaTypePlanContent)
	if err != nil {
		return nil, nil, err
	}

	var plan planmodel.ExecutablePlan
	if err := json.Unmarshal(content, &plan); err != nil {
		return nil, nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	result := &PullResult{Ref: ref.String(), Digest: manifestDesc.Digest.String(), Size: manifestDesc.Size}
	if manifest != nil {
		_ = json.Unmarshal(manifest, &result.Manifest)
	}
	return &plan, result, nil
}

// PushPolicyBundle pushes a Policy DSL source bundle (raw YAML bytes) as an
// OCI artifact, for distributing a tenant's rule set between environments.
func (c *Client) PushPolicyBundle(ctx context.Context, source []byte, ref *Ref) (*PushResult, error) {
	return c.push(ctx, ref, artifactTypePolicy, MediaTypePlanConfig, []byte("{}"), MediaTypePolicyContent, source)
}

// PullPolicyBundle fetches a previously pushed Policy DSL source bundle.
func (c *Client) PullPolicyBundle(ctx context.Context, ref *Ref) ([]byte, *PullResult, error) {
	content, manifestDesc, _, err := c.pull(ctx, ref, MediaTypePolicyContent)
	if err != nil {
		return nil, nil, err
	}
	return content, &PullResult{Ref: ref.String(), Digest: manifestDesc.Digest.String(), Size: manifestDesc.Size}, nil
}

func (c *Client) push(ctx context.Context, ref *Ref, artifactType, configMediaType string, config []byte, contentMediaType string, content []byte) (*PushResult, error) {
	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, configMediaType, config)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}

	contentDesc, err := oras.PushBytes(ctx, store, contentMediaType, content)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{contentDesc},
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, artifactType, packOpts)
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

	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
	}, nil
}

func (c *Client) pull(ctx context.Context, ref *Ref, contentMediaType string) ([]byte, ocispec.Descriptor, []byte, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, ocispec.Descriptor{}, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	} else if pullRef == "" {
		pullRef = "latest"
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, ocispec.Descriptor{}, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestReader, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, ocispec.Descriptor{}, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	manifestBytes, err := io.ReadAll(manifestReader)
	if err != nil {
		return nil, ocispec.Descriptor{}, nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, ocispec.Descriptor{}, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content []byte
	var config []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType == contentMediaType {
			reader, err := store.Fetch(ctx, layer)
			if err != nil {
				return nil, ocispec.Descriptor{}, nil, fmt.Errorf("fetch content layer: %w", err)
			}
			content, err = io.ReadAll(reader)
			if err != nil {
				return nil, ocispec.Descriptor{}, nil, fmt.Errorf("read content layer: %w", err)
			}
		}
	}
	if manifest.Config.Size > 0 {
		if reader, err := store.Fetch(ctx, manifest.Config); err == nil {
			config, _ = io.ReadAll(reader)
		}
	}

	if content == nil {
		return nil, ocispec.Descriptor{}, nil, fmt.Errorf("no content layer with media type %q found in manifest", contentMediaType)
	}
	return content, manifestDesc, config, nil
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
