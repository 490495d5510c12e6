package engine

import (
	"time"

	"dealer-intel/backend/internal/crm"
	"dealer-intel/backend/internal/repository"
)

// Side identifies which store's values won a conflict
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideBoth   Side = "both"
)

// Resolution is the deterministic outcome of reconciling concurrent edits
type Resolution struct {
	Strategy repository.ResolutionStrategy
	Winner   Side
	// Apply holds the changes to write to the local record: the union of
	// surviving edits from both sides.
	Apply crm.FieldSet
	// PushLocal holds the local edits that still need to reach the remote
	// (empty when the remote side won every contested field).
	PushLocal crm.FieldSet
	// Contested lists the field names edited on both sides.
	Contested []string
	// NeedsReview is true when the tie-break rule fired and an operator
	// should confirm the automatic choice.
	NeedsReview bool
}

// Resolve reconciles concurrent edits to one record. Rules, in priority order:
//
//  1. Disjoint changed-field sets: both sides' edits are kept. Not treated
//     as a conflict at all.
//  2. Overlapping fields with distinct timestamps: last writer wins on the
//     contested fields; each side keeps its uncontested edits.
//  3. Overlapping fields with equal or missing timestamps: the remote value
//     wins (the CRM is the system of record) and the conflict stays open
//     for operator review.
//
// The same inputs always produce the same resolution.
func Resolve(localChanges, remoteChanges crm.FieldSet, localAt, remoteAt time.Time) Resolution {
	localNames := localChanges.Names()
	remoteNames := remoteChanges.Names()

	if !crm.Overlaps(localNames, remoteNames) {
		return Resolution{
			Strategy:  repository.ResolutionMerged,
			Winner:    SideBoth,
			Apply:     localChanges.Merge(remoteChanges),
			PushLocal: localChanges.Clone(),
		}
	}

	contested := intersect(localNames, remoteNames)

	if localAt.IsZero() || remoteAt.IsZero() || localAt.Equal(remoteAt) {
		return Resolution{
			Strategy:    repository.ResolutionRemoteWinsFlagged,
			Winner:      SideRemote,
			Apply:       localChanges.Merge(remoteChanges),
			PushLocal:   without(localChanges, contested),
			Contested:   contested,
			NeedsReview: true,
		}
	}

	if remoteAt.After(localAt) {
		return Resolution{
			Strategy:  repository.ResolutionLastWriterWins,
			Winner:    SideRemote,
			Apply:     localChanges.Merge(remoteChanges),
			PushLocal: without(localChanges, contested),
			Contested: contested,
		}
	}

	return Resolution{
		Strategy:  repository.ResolutionLastWriterWins,
		Winner:    SideLocal,
		Apply:     remoteChanges.Merge(localChanges),
		PushLocal: localChanges.Clone(),
		Contested: contested,
	}
}

// intersect returns the names present in both sorted slices
func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, n := range a {
		set[n] = struct{}{}
	}
	var out []string
	for _, n := range b {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// without returns a copy of fields with the named entries removed
func without(fields crm.FieldSet, names []string) crm.FieldSet {
	out := fields.Clone()
	for _, n := range names {
		delete(out, n)
	}
	return out
}
