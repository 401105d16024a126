package domain

import (
	"fmt"
	"sort"
	"time"
)

// DecodedID is the externally visible identifier handed out for an interned string.
type DecodedID uint64

// EncodedID is the storage projection of a DecodedID used as a row or partition key.
type EncodedID int64

type UseCaseKey string

const (
	UseCaseReleaseHealth UseCaseKey = "release-health"
	UseCasePerformance   UseCaseKey = "performance"
)

// KnownUseCases lists the namespaces accepted when no policy override is configured.
var KnownUseCases = []UseCaseKey{UseCaseReleaseHealth, UseCasePerformance}

func (u UseCaseKey) String() string { return string(u) }

// ParseUseCase validates raw against allowed (KnownUseCases when allowed is empty).
func ParseUseCase(raw string, allowed ...UseCaseKey) (UseCaseKey, error) {
	if len(allowed) == 0 {
		allowed = KnownUseCases
	}
	for _, uc := range allowed {
		if string(uc) == raw {
			return uc, nil
		}
	}
	return "", fmt.Errorf("invalid use case %q", raw)
}

type RecordStatus string

const (
	StatusCreated  RecordStatus = "created"
	StatusExisting RecordStatus = "existing"
	StatusRejected RecordStatus = "rejected"
)

// HasID reports whether a result with this status carries an identifier.
func (s RecordStatus) HasID() bool {
	switch s {
	case StatusCreated, StatusExisting:
		return true
	}
	return false
}

// Mapping is one persisted row of the index.
type Mapping struct {
	Key       EncodedID  `json:"key"`
	UseCase   UseCaseKey `json:"use_case"`
	OrgID     int64      `json:"org_id"`
	String    string     `json:"string"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

type KeyResult struct {
	OrgID  int64        `json:"org_id"`
	String string       `json:"string"`
	ID     DecodedID    `json:"id,omitempty"`
	Status RecordStatus `json:"status" enum:"created,existing,rejected"`
	Reason string       `json:"reason,omitempty"`
}

// Present reports whether the result carries an identifier.
func (r KeyResult) Present() bool { return r.Status.HasID() }

// OrgStrings is the batch input shape: strings grouped per organization.
type OrgStrings map[int64][]string

// Normalize returns a copy with duplicate strings collapsed and each list sorted.
func (o OrgStrings) Normalize() OrgStrings {
	out := make(OrgStrings, len(o))
	for org, items := range o {
		seen := make(map[string]struct{}, len(items))
		list := make([]string, 0, len(items))
		for _, s := range items {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			list = append(list, s)
		}
		sort.Strings(list)
		out[org] = list
	}
	return out
}

// Count returns the number of (org, string) pairs.
func (o OrgStrings) Count() int {
	n := 0
	for _, items := range o {
		n += len(items)
	}
	return n
}

// Orgs returns organization ids in ascending order.
func (o OrgStrings) Orgs() []int64 {
	orgs := make([]int64, 0, len(o))
	for org := range o {
		orgs = append(orgs, org)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs
}

type resultKey struct {
	org int64
	s   string
}

// KeyResults collects per-item outcomes of a batch, addressable by (org, string).
type KeyResults struct {
	items map[resultKey]KeyResult
}

func NewKeyResults() *KeyResults {
	return &KeyResults{items: make(map[resultKey]KeyResult)}
}

// Add stores r, replacing any earlier result for the same (org, string).
func (k *KeyResults) Add(r KeyResult) {
	if k.items == nil {
		k.items = make(map[resultKey]KeyResult)
	}
	k.items[resultKey{r.OrgID, r.String}] = r
}

func (k *KeyResults) AddAll(rs ...KeyResult) {
	for _, r := range rs {
		k.Add(r)
	}
}

// Merge folds other into k. Results from other win on conflict.
func (k *KeyResults) Merge(other *KeyResults) *KeyResults {
	if other == nil {
		return k
	}
	for _, r := range other.items {
		k.Add(r)
	}
	return k
}

func (k *KeyResults) Get(orgID int64, s string) (KeyResult, bool) {
	if k == nil {
		return KeyResult{}, false
	}
	r, ok := k.items[resultKey{orgID, s}]
	return r, ok
}

func (k *KeyResults) Len() int {
	if k == nil {
		return 0
	}
	return len(k.items)
}

// Results returns every result ordered by org then string.
func (k *KeyResults) Results() []KeyResult {
	if k == nil {
		return nil
	}
	out := make([]KeyResult, 0, len(k.items))
	for _, r := range k.items {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrgID != out[j].OrgID {
			return out[i].OrgID < out[j].OrgID
		}
		return out[i].String < out[j].String
	})
	return out
}

// Mapped returns org -> string -> id for every result carrying an id.
func (k *KeyResults) Mapped() map[int64]map[string]DecodedID {
	out := make(map[int64]map[string]DecodedID)
	if k == nil {
		return out
	}
	for key, r := range k.items {
		if !r.Present() {
			continue
		}
		if out[key.org] == nil {
			out[key.org] = make(map[string]DecodedID)
		}
		out[key.org][key.s] = r.ID
	}
	return out
}

// Unmapped returns the (org, string) pairs that have no id.
func (k *KeyResults) Unmapped() OrgStrings {
	out := OrgStrings{}
	if k == nil {
		return out
	}
	for key, r := range k.items {
		if r.Present() {
			continue
		}
		out[key.org] = append(out[key.org], key.s)
	}
	return out.Normalize()
}

// Missing returns the pairs of want that have no result at all in k.
func (k *KeyResults) Missing(want OrgStrings) OrgStrings {
	out := OrgStrings{}
	for org, items := range want {
		for _, s := range items {
			if _, ok := k.Get(org, s); !ok {
				out[org] = append(out[org], s)
			}
		}
	}
	return out
}
