package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

type BundleStatus string

const (
	BundlePending  BundleStatus = "pending"
	BundleBuilding BundleStatus = "building"
	BundleReady    BundleStatus = "ready"
	BundleFailed   BundleStatus = "failed"
)

func ParseBundleStatus(raw string) (BundleStatus, error) {
	status := BundleStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case BundlePending, BundleBuilding, BundleReady, BundleFailed:
		return status, nil
	}
	return "", fmt.Errorf("invalid status: %s", raw)
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerOnDemand  Trigger = "on-demand"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid bundle key")
)

// BundleKey identifies a buildable unit. Keys are NFC-normalised so that two
// spellings of the same text share one build slot.
type BundleKey string

func NewBundleKey(raw string) (BundleKey, error) {
	key := norm.NFC.String(strings.TrimSpace(raw))
	if key == "" {
		return "", ErrInvalidKey
	}
	return BundleKey(key), nil
}

func (k BundleKey) String() string { return string(k) }

// BundleRecord is the persisted state of one bundle.
//
// - ArtifactRef is a relative key in the blob store.
// - BuiltAt is the time of the last successful build; nil until the first one.
type BundleRecord struct {
	Key         BundleKey    `json:"key"`
	Status      BundleStatus `json:"status"`
	ArtifactRef string       `json:"artifactRef,omitempty"`
	BuiltAt     *time.Time   `json:"builtAt,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (r BundleRecord) Validate() error {
	if r.Key == "" {
		return ErrInvalidKey
	}
	switch r.Status {
	case BundleReady:
		if r.ArtifactRef == "" {
			return fmt.Errorf("bundle %s: ready without artifact", r.Key)
		}
		if r.LastError != "" {
			return fmt.Errorf("bundle %s: ready with error %q", r.Key, r.LastError)
		}
	case BundleFailed:
		if r.LastError == "" {
			return fmt.Errorf("bundle %s: failed without error", r.Key)
		}
	case BundlePending, BundleBuilding:
	default:
		return fmt.Errorf("bundle %s: unknown status %q", r.Key, r.Status)
	}
	return nil
}

// Stale reports whether the last successful build is older than maxAge.
// A record that was never built is always stale.
func (r BundleRecord) Stale(now time.Time, maxAge time.Duration) bool {
	if r.BuiltAt == nil {
		return true
	}
	return now.Sub(*r.BuiltAt) > maxAge
}

// Fresh reports whether r can be served without rebuilding.
func (r BundleRecord) Fresh(now time.Time, maxAge time.Duration) bool {
	return r.Status == BundleReady && !r.Stale(now, maxAge)
}

// BuildJob describes one requested build. It lives until the outcome has been
// folded into the bundle record.
type BuildJob struct {
	ID          string    `json:"id"`
	Key         BundleKey `json:"key"`
	RequestedAt time.Time `json:"requestedAt"`
	Trigger     Trigger   `json:"trigger"`
}
