// Package zoneengine reconciles logical locker zones with physical
// relay-card inventory. Every function here is pure: given a zone list and
// the set of relay cards actually present, it computes rebalanced ranges
// and a structured diff, and never performs I/O itself. Callers persist the
// result through internal/storage and publish the reconciled layout through
// a config.ZonePublisher.
package zoneengine

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/lockerctl/lockerctl/internal/domain"
)

// ChannelsPerCard is the fixed relay-card capacity: 16 coils per card.
const ChannelsPerCard = 16

var zoneIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError reports a single structural problem with a zone
// configuration. Field identifies which zone (by ID) or relationship failed.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Warning is a non-fatal finding, such as a gap between zone ranges.
type Warning struct {
	Field   string
	Message string
}

// Diff describes what changed for one zone during reconciliation.
type Diff struct {
	ZoneID       string
	NewRanges    []domain.LockerRange
	MergedRanges bool
	AddedCards   []int
}

// Result is the outcome of a full reconciliation pass.
type Result struct {
	Zones    []domain.ZoneConfig
	Diffs    []Diff
	Warnings []Warning
}

// Validate rejects structurally invalid configurations: overlapping enabled
// ranges, a zone referencing a card absent from availableCards, required
// capacity exceeding available cards, and malformed zone IDs. Gaps between
// zone ranges produce Warnings, never errors.
func Validate(zones []domain.ZoneConfig, availableCards []int) ([]Warning, error) {
	seenIDs := make(map[string]bool)
	cardSet := make(map[int]bool, len(availableCards))
	for _, c := range availableCards {
		cardSet[c] = true
	}

	type interval struct {
		start, end int
		zoneID     string
	}
	var intervals []interval

	for _, z := range zones {
		if z.ID == "" {
			return nil, ValidationError{Field: "id", Message: "zone id must not be empty"}
		}
		if seenIDs[z.ID] {
			return nil, ValidationError{Field: z.ID, Message: "duplicate zone id"}
		}
		seenIDs[z.ID] = true

		if !zoneIDPattern.MatchString(z.ID) {
			return nil, ValidationError{Field: z.ID, Message: "zone id contains characters outside [A-Za-z0-9_-]"}
		}

		if !z.Enabled {
			continue
		}

		for _, card := range z.RelayCards {
			if !cardSet[card] {
				return nil, ValidationError{Field: z.ID, Message: fmt.Sprintf("references relay card %d not present in hardware", card)}
			}
		}

		if z.Covered() > z.Capacity(ChannelsPerCard) {
			return nil, ValidationError{Field: z.ID, Message: "required capacity exceeds assigned relay card count"}
		}

		for _, r := range z.Ranges {
			intervals = append(intervals, interval{start: r.Start, end: r.End, zoneID: z.ID})
		}
	}

	sort.Slice(intervals, func(i, j int) bool { return intervals[i].start < intervals[j].start })

	var warnings []Warning
	for i := 1; i < len(intervals); i++ {
		prev, cur := intervals[i-1], intervals[i]
		if cur.start <= prev.end {
			return nil, ValidationError{
				Field:   cur.zoneID,
				Message: fmt.Sprintf("range [%d,%d] overlaps zone %s's range [%d,%d]", cur.start, cur.end, prev.zoneID, prev.start, prev.end),
			}
		}
		if cur.start > prev.end+1 {
			warnings = append(warnings, Warning{
				Field:   cur.zoneID,
				Message: fmt.Sprintf("gap between position %d and %d", prev.end, cur.start),
			})
		}
	}

	return warnings, nil
}

// Reconcile rebalances zones in declared order across total channel
// capacity, then extends the last enabled zone to cover any remainder.
// zones is never mutated; Reconcile returns a new slice plus a diff per
// changed zone.
func Reconcile(zones []domain.ZoneConfig, availableCards []int) Result {
	total := len(availableCards) * ChannelsPerCard

	assigned := make(map[int]bool)
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		for _, c := range z.RelayCards {
			assigned[c] = true
		}
	}

	out := make([]domain.ZoneConfig, len(zones))
	var diffs []Diff
	nextStart := 1
	lastEnabledIdx := -1

	for i, z := range zones {
		out[i] = z
		if !z.Enabled {
			continue
		}
		lastEnabledIdx = i

		capacity := z.Capacity(ChannelsPerCard)
		var newRanges []domain.LockerRange
		if nextStart <= total && capacity > 0 {
			end := nextStart + capacity - 1
			if end > total {
				end = total
			}
			newRanges = []domain.LockerRange{{Start: nextStart, End: end}}
			nextStart = end + 1
		}

		if !rangesEqual(z.Ranges, newRanges) {
			out[i].Ranges = newRanges
			diffs = append(diffs, Diff{ZoneID: z.ID, NewRanges: newRanges})
		} else {
			out[i].Ranges = z.Ranges
		}
	}

	covered := 0
	for _, z := range out {
		if z.Enabled {
			covered += z.Covered()
		}
	}

	if covered < total && lastEnabledIdx >= 0 {
		z := &out[lastEnabledIdx]
		extension := domain.LockerRange{Start: covered + 1, End: total}
		merged := mergeRanges(append(append([]domain.LockerRange{}, z.Ranges...), extension))

		addedCards := extendCards(z, availableCards, assigned, total)

		z.Ranges = merged
		d := Diff{
			ZoneID:       z.ID,
			NewRanges:    merged,
			MergedRanges: true,
			AddedCards:   addedCards,
		}
		if n := len(diffs); n > 0 && diffs[n-1].ZoneID == z.ID {
			diffs[n-1] = d
		} else {
			diffs = append(diffs, d)
		}
	}

	warnings, _ := Validate(out, availableCards)
	return Result{Zones: out, Diffs: diffs, Warnings: warnings}
}

// extendCards appends unassigned relay cards (sorted by slave address) to
// zone until its capacity covers `total` channels, skipping cards already
// assigned elsewhere. Mutates zone.RelayCards in place and returns the added cards.
func extendCards(zone *domain.ZoneConfig, availableCards []int, assigned map[int]bool, total int) []int {
	sorted := append([]int{}, availableCards...)
	sort.Ints(sorted)

	var added []int
	for zone.Capacity(ChannelsPerCard) < total {
		found := false
		for _, c := range sorted {
			if assigned[c] {
				continue
			}
			zone.RelayCards = append(zone.RelayCards, c)
			assigned[c] = true
			added = append(added, c)
			found = true
			break
		}
		if !found {
			break
		}
	}
	return added
}

func rangesEqual(a, b []domain.LockerRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeRanges sorts and coalesces adjacent/overlapping ranges.
func mergeRanges(ranges []domain.LockerRange) []domain.LockerRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]domain.LockerRange{}, ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	merged := []domain.LockerRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// HardwareMapping is the external contract consumed by the hardware I/O
// collaborator: where a given locker's relay coil actually lives.
type HardwareMapping struct {
	SlaveAddress int
	Coil         int
	ZoneID       string
}

// Resolve maps lockerPosition (1-based) to its relay coil. When
// zonesEnabled is false, a legacy contiguous mapping starting at slave 1 is
// used instead of consulting zones.
func Resolve(zones []domain.ZoneConfig, lockerPosition int, zonesEnabled bool) (HardwareMapping, error) {
	if !zonesEnabled {
		cardIndex := (lockerPosition - 1) / ChannelsPerCard
		coil := ((lockerPosition - 1) % ChannelsPerCard) + 1
		return HardwareMapping{SlaveAddress: cardIndex + 1, Coil: coil}, nil
	}

	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		offset := 0
		for _, r := range sortedRanges(z.Ranges) {
			if r.Contains(lockerPosition) {
				position := offset + (lockerPosition - r.Start) + 1
				cardIndex := (position - 1) / ChannelsPerCard
				if cardIndex >= len(z.RelayCards) {
					return HardwareMapping{}, fmt.Errorf("zone %s: position %d exceeds assigned relay card capacity", z.ID, position)
				}
				coil := ((position - 1) % ChannelsPerCard) + 1
				return HardwareMapping{
					SlaveAddress: z.RelayCards[cardIndex],
					Coil:         coil,
					ZoneID:       z.ID,
				}, nil
			}
			offset += r.Len()
		}
	}
	return HardwareMapping{}, fmt.Errorf("locker position %d not covered by any enabled zone", lockerPosition)
}

func sortedRanges(ranges []domain.LockerRange) []domain.LockerRange {
	out := append([]domain.LockerRange{}, ranges...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
