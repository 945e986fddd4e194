// Package signing produces detached image signatures through an external
// signing command, in the atomic simple-signing payload format.
package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"

	"github.com/stevedore-project/stevedore/internal/dcontext"
)

// ErrPayloadMismatch is returned when a signature payload does not cover
// the manifest and reference it claims to.
var ErrPayloadMismatch = errors.New("signature payload does not match signed content")

// Payload is the atomic simple-signing claim document.
type Payload struct {
	Critical Critical               `json:"critical"`
	Optional map[string]interface{} `json:"optional,omitempty"`
}

// Critical carries the mandatory claim fields. Signature verification fails
// closed on anything unexpected here.
type Critical struct {
	Type     string   `json:"type"`
	Image    Image    `json:"image"`
	Identity Identity `json:"identity"`
}

// Image binds the signature to a manifest digest.
type Image struct {
	DockerManifestDigest digest.Digest `json:"docker-manifest-digest"`
}

// Identity binds the signature to a pull spec.
type Identity struct {
	DockerReference string `json:"docker-reference"`
}

const payloadType = "atomic container signature"

// NewPayload builds the claim document for a manifest served under the
// given pull reference.
func NewPayload(reference string, dgst digest.Digest) Payload {
	return Payload{
		Critical: Critical{
			Type:     payloadType,
			Image:    Image{DockerManifestDigest: dgst},
			Identity: Identity{DockerReference: reference},
		},
		Optional: map[string]interface{}{
			"creator":   "stevedore",
			"timestamp": time.Now().Unix(),
		},
	}
}

// ValidatePayload checks that a claim document covers the expected manifest
// and reference.
func ValidatePayload(raw []byte, reference string, dgst digest.Digest) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parsing signature payload: %w", err)
	}
	if p.Critical.Type != payloadType {
		return fmt.Errorf("%w: type %q", ErrPayloadMismatch, p.Critical.Type)
	}
	if p.Critical.Image.DockerManifestDigest != dgst {
		return fmt.Errorf("%w: digest %s", ErrPayloadMismatch, p.Critical.Image.DockerManifestDigest)
	}
	if p.Critical.Identity.DockerReference != reference {
		return fmt.Errorf("%w: reference %q", ErrPayloadMismatch, p.Critical.Identity.DockerReference)
	}
	return nil
}

// Signer produces a detached signature over a claim payload.
type Signer interface {
	// Sign returns the signature bytes and the ID of the key used.
	Sign(ctx context.Context, reference string, dgst digest.Digest) ([]byte, string, error)
}

// ScriptSigner shells out to a signing command. The claim payload is written
// to the command's stdin; the command writes the signature to stdout. A
// semaphore caps how many signings run at once, since signing commands
// typically front an HSM or gpg-agent that does not take kindly to floods.
type ScriptSigner struct {
	command string
	keyID   string
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewScriptSigner builds a ScriptSigner running the given command with at
// most maxParallel concurrent invocations.
func NewScriptSigner(command, keyID string, maxParallel int64) *ScriptSigner {
	if maxParallel <= 0 {
		maxParallel = 10
	}
	return &ScriptSigner{
		command: command,
		keyID:   keyID,
		sem:     semaphore.NewWeighted(maxParallel),
		timeout: 60 * time.Second,
	}
}

// Sign invokes the signing command for one manifest.
func (s *ScriptSigner) Sign(ctx context.Context, reference string, dgst digest.Digest) ([]byte, string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer s.sem.Release(1)

	payload, err := json.Marshal(NewPayload(reference, dgst))
	if err != nil {
		return nil, "", err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, s.command)
	cmd.Env = append(cmd.Environ(),
		"SIGNING_KEY_ID="+s.keyID,
		"MANIFEST_DIGEST="+dgst.String(),
		"DOCKER_REFERENCE="+reference,
	)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		dcontext.GetLogger(ctx).Errorf("signing command failed for %s: %v: %s", dgst, err, stderr.String())
		return nil, "", fmt.Errorf("signing %s: %w", dgst, err)
	}

	sig := stdout.Bytes()
	if len(sig) == 0 {
		return nil, "", fmt.Errorf("signing %s: command produced no signature", dgst)
	}
	return sig, s.keyID, nil
}
