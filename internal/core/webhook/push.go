// Package webhook parses and authenticates source-control push events.
// This is part of the Functional Core - all functions are pure with no I/O.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrSignatureMissing = errors.New("webhook signature missing")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrPayloadInvalid   = errors.New("webhook payload invalid")
	ErrNotPush          = errors.New("event is not a push")
)

// Header names used by the supported providers.
const (
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGitHubDelivery  = "X-GitHub-Delivery"
	HeaderGitLabEvent     = "X-Gitlab-Event"
	HeaderGitLabToken     = "X-Gitlab-Token"

	signaturePrefix = "sha256="
)

// Provider identifies the webhook sender.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// =============================================================================
// Signature Verification
// =============================================================================

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitHub checks an X-Hub-Signature-256 header against body.
func VerifyGitHub(secret, body []byte, header string) error {
	if header == "" {
		return ErrSignatureMissing
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(header)) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyGitLab checks an X-Gitlab-Token header, which carries the shared
// secret itself.
func VerifyGitLab(secret []byte, header string) error {
	if header == "" {
		return ErrSignatureMissing
	}
	if subtle.ConstantTimeCompare(secret, []byte(header)) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// =============================================================================
// Push Payload
// =============================================================================

// Push is the provider-neutral part of a push event.
type Push struct {
	Provider   Provider
	Ref        string
	Branch     string
	After      string
	Repository string
	CloneURL   string
	Deleted    bool
	Pusher     string
}

const zeroSHA = "0000000000000000000000000000000000000000"

type githubPush struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
}

type gitlabPush struct {
	ObjectKind  string `json:"object_kind"`
	Ref         string `json:"ref"`
	After       string `json:"after"`
	CheckoutSHA string `json:"checkout_sha"`
	UserName    string `json:"user_name"`
	Project     struct {
		PathWithNamespace string `json:"path_with_namespace"`
		GitHTTPURL        string `json:"git_http_url"`
	} `json:"project"`
}

// ParsePush decodes a push payload. event is the provider's event header
// value; an empty event is accepted and treated as a push.
func ParsePush(provider Provider, event string, body []byte) (Push, error) {
	switch provider {
	case ProviderGitHub:
		if event != "" && event != "push" {
			return Push{}, fmt.Errorf("%w: %s", ErrNotPush, event)
		}
		var p githubPush
		if err := json.Unmarshal(body, &p); err != nil {
			return Push{}, fmt.Errorf("%w: %w", ErrPayloadInvalid, err)
		}
		return newPush(provider, p.Ref, p.After, p.Repository.FullName, p.Repository.CloneURL, p.Pusher.Name,
			p.Deleted || p.After == zeroSHA)
	case ProviderGitLab:
		if event != "" && event != "Push Hook" {
			return Push{}, fmt.Errorf("%w: %s", ErrNotPush, event)
		}
		var p gitlabPush
		if err := json.Unmarshal(body, &p); err != nil {
			return Push{}, fmt.Errorf("%w: %w", ErrPayloadInvalid, err)
		}
		if p.ObjectKind != "" && p.ObjectKind != "push" {
			return Push{}, fmt.Errorf("%w: %s", ErrNotPush, p.ObjectKind)
		}
		after := p.CheckoutSHA
		if after == "" {
			after = p.After
		}
		return newPush(provider, p.Ref, after, p.Project.PathWithNamespace, p.Project.GitHTTPURL, p.UserName,
			p.After == zeroSHA)
	default:
		return Push{}, fmt.Errorf("%w: unknown provider %q", ErrPayloadInvalid, provider)
	}
}

func newPush(provider Provider, ref, after, repo, cloneURL, pusher string, deleted bool) (Push, error) {
	if ref == "" {
		return Push{}, fmt.Errorf("%w: missing ref", ErrPayloadInvalid)
	}
	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	if !ok {
		branch = ""
	}
	return Push{
		Provider:   provider,
		Ref:        ref,
		Branch:     branch,
		After:      after,
		Repository: repo,
		CloneURL:   cloneURL,
		Deleted:    deleted,
		Pusher:     pusher,
	}, nil
}

// =============================================================================
// Branch Filter
// =============================================================================

// ShouldDeploy reports whether a push triggers a deployment: it must be a
// branch push that is not a deletion, on a branch matching one of the
// glob patterns. An empty pattern list matches nothing.
func ShouldDeploy(p Push, patterns []string) (bool, string) {
	if p.Branch == "" {
		return false, "ref " + p.Ref + " is not a branch"
	}
	if p.Deleted {
		return false, "branch " + p.Branch + " was deleted"
	}
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, p.Branch); err == nil && ok {
			return true, ""
		}
	}
	return false, "branch " + p.Branch + " is not a deploy branch"
}
