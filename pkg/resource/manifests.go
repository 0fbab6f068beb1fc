package resource

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cockpit-ws/cockpitwsd/pkg/session"
)

// PackageManifest is one entry of the cockpit_web_service_packages listing:
// an id (optionally prefixed with a content-hash checksum, then one or more
// names) plus the package's manifest object (spec.md §4.E).
type PackageManifest struct {
	ID       []string       `json:"id"`
	Manifest map[string]any `json:"manifest"`
}

// FetchManifests opens a "manifests1" control channel on sess and returns
// the bridge's package inventory. Unlike a resource fetch this is not
// wired to a specific HTTP path in spec.md — the original only describes
// the operation, not its URL — so it is exposed as a direct function for an
// internal API surface to call rather than guessed at (see DESIGN.md Open
// Question OQ-2).
func FetchManifests(sess *session.Session) ([]PackageManifest, error) {
	channelID := uuid.NewString()
	done := make(chan struct{})

	var buf bytes.Buffer
	var closeReason string

	err := sess.OpenChannel(channelID, map[string]any{"payload": "manifests1"},
		func(payload []byte) { buf.Write(payload) },
		func(reason string) {
			closeReason = reason
			close(done)
		},
	)
	if err != nil {
		return nil, err
	}

	<-done

	if closeReason != "" {
		return nil, fmt.Errorf("resource: manifests channel closed: %s", closeReason)
	}

	var manifests []PackageManifest
	if err := json.Unmarshal(buf.Bytes(), &manifests); err != nil {
		return nil, fmt.Errorf("resource: decoding manifests: %w", err)
	}
	return manifests, nil
}
