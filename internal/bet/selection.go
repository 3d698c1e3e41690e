package bet

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/atmx/hilo-engine/internal/model"
	"github.com/atmx/hilo-engine/internal/payout"
)

// selectionPatterns gives the accepted shape of each selection-carrying
// digit type.
//
//	DOUBLE  two identical digits, e.g. "77"
//	TRIPLE  three identical digits, e.g. "555"
//	SUM     an integer 0..27, e.g. "15"
//	SINGLE  one digit, e.g. "4"
var selectionPatterns = map[model.DigitType]*regexp.Regexp{
	model.DigitDouble: regexp.MustCompile(`^([0-9])([0-9])$`),
	model.DigitTriple: regexp.MustCompile(`^([0-9])([0-9])([0-9])$`),
	model.DigitSum:    regexp.MustCompile(`^(0|[1-9][0-9]?)$`),
	model.DigitSingle: regexp.MustCompile(`^([0-9])$`),
}

// ValidateSelection checks selection against the shape required by dt.
// Types without a selection accept only the empty string.
func ValidateSelection(dt model.DigitType, selection string) error {
	if !dt.Valid() {
		return fmt.Errorf("%w: unknown digit type %q", ErrInvalidBetShape, dt)
	}
	if !dt.NeedsSelection() {
		if selection != "" {
			return fmt.Errorf("%w: %s takes no selection", ErrInvalidSelection, dt)
		}
		return nil
	}

	matches := selectionPatterns[dt].FindStringSubmatch(selection)
	if matches == nil {
		return fmt.Errorf("%w: %q is not a valid %s selection", ErrInvalidSelection, selection, dt)
	}

	switch dt {
	case model.DigitDouble, model.DigitTriple:
		for _, m := range matches[2:] {
			if m != matches[1] {
				return fmt.Errorf("%w: %s selection %q must repeat one digit", ErrInvalidSelection, dt, selection)
			}
		}
	case model.DigitSum:
		n, _ := strconv.Atoi(selection)
		if n < payout.MinSum || n > payout.MaxSum {
			return fmt.Errorf("%w: sum %d outside %d..%d", ErrInvalidSelection, n, payout.MinSum, payout.MaxSum)
		}
	}
	return nil
}
