// Package allocation validates how a donation is split across causes.
package allocation

import (
	"fmt"
	"math"
	"strings"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/money"
)

var (
	ErrAllocationMismatch       = failure.New(failure.KindInvalid, "allocation mismatch")
	ErrZeroOrNegativeAllocation = failure.New(failure.KindInvalid, "allocation amount must be positive")
	ErrRegionCauseConflict      = failure.New(failure.KindInvalid, "region conflicts with cause")
	ErrUnknownCause             = failure.New(failure.KindInvalid, "unknown cause")
	ErrUnknownRegion            = failure.New(failure.KindInvalid, "unknown region")
	ErrEmptyCause               = failure.New(failure.KindInvalid, "cause is empty")
)

type MismatchError struct {
	Expected int64
	Actual   int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("allocation mismatch: expected %d, actual %d", e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrAllocationMismatch }

type ZeroOrNegativeError struct {
	Index  int
	Amount int64
}

func (e *ZeroOrNegativeError) Error() string {
	return fmt.Sprintf("allocation %d: amount %d must be positive", e.Index, e.Amount)
}

func (e *ZeroOrNegativeError) Unwrap() error { return ErrZeroOrNegativeAllocation }

type RegionConflictError struct {
	Index   int
	Cause   string
	Region  string
	Allowed []string
}

func (e *RegionConflictError) Error() string {
	return fmt.Sprintf("allocation %d: cause %q is limited to %s, got %q",
		e.Index, e.Cause, strings.Join(e.Allowed, ","), e.Region)
}

func (e *RegionConflictError) Unwrap() error { return ErrRegionCauseConflict }

// Proposal is one requested (cause, region, amount) line before validation.
type Proposal struct {
	ID          string
	Cause       string
	Region      string
	SubCause    string
	InHonorOf   string
	AmountCents int64
}

// Line is an accepted allocation line with normalized cause and resolved region.
type Line struct {
	ID          string
	Cause       string
	Region      string
	SubCause    string
	InHonorOf   string
	AmountCents int64
}

// Set is a validated allocation list. Sum of lines equals Total.
type Set struct {
	Total money.Money
	Lines []Line
}

// Validate checks proposals against total. It has no side effects: the same
// input always yields the same output.
func (p *Policy) Validate(total money.Money, proposals []Proposal) (Set, error) {
	if total.Cents < 0 {
		return Set{}, money.ErrNegativeAmount
	}

	lines := make([]Line, 0, len(proposals))
	var sum int64
	for i, prop := range proposals {
		if prop.AmountCents <= 0 {
			return Set{}, &ZeroOrNegativeError{Index: i, Amount: prop.AmountCents}
		}
		cause := normalizeCause(prop.Cause)
		if cause == "" {
			return Set{}, fmt.Errorf("allocation %d: %w", i, ErrEmptyCause)
		}
		region, err := p.resolveRegion(i, cause, normalizeRegion(prop.Region))
		if err != nil {
			return Set{}, err
		}
		if prop.AmountCents > math.MaxInt64-sum {
			return Set{}, money.ErrOverflow
		}
		sum += prop.AmountCents

		lines = append(lines, Line{
			ID:          prop.ID,
			Cause:       cause,
			Region:      region,
			SubCause:    strings.TrimSpace(prop.SubCause),
			InHonorOf:   strings.TrimSpace(prop.InHonorOf),
			AmountCents: prop.AmountCents,
		})
	}

	if sum != total.Cents {
		return Set{}, &MismatchError{Expected: total.Cents, Actual: sum}
	}
	return Set{Total: total, Lines: lines}, nil
}

func (p *Policy) resolveRegion(i int, cause string, region string) (string, error) {
	rule, ok := p.rules[cause]
	if !ok {
		if p.strict {
			return "", fmt.Errorf("allocation %d: %w: %q", i, ErrUnknownCause, cause)
		}
		if region == "" {
			return p.defaultRegion, nil
		}
		if !p.KnownRegion(region) {
			return "", fmt.Errorf("allocation %d: %w: %q", i, ErrUnknownRegion, region)
		}
		return region, nil
	}

	if region == "" {
		return rule.DefaultRegion, nil
	}
	if !p.KnownRegion(region) {
		return "", fmt.Errorf("allocation %d: %w: %q", i, ErrUnknownRegion, region)
	}
	if !rule.Allows(region) {
		return "", &RegionConflictError{Index: i, Cause: cause, Region: region, Allowed: rule.Regions}
	}
	return region, nil
}
