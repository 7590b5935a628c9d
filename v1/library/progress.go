package library

import (
	shelferrors "github.com/mirkobrombin/go-shelf/v1/errors"
)

// ApplyProgress computes the next value of a without mutating it. Nil
// arguments keep the current value.
//
// An explicit state always wins. Otherwise the state follows the pages:
// reaching the last page completes the book, moving the current page marks
// it in progress, and a planned book already past page one is in progress.
// Completion is not sticky.
func ApplyProgress(a Association, requested *State, newTotal, newCurrent *int) (Association, error) {
	next := a.Clone()

	if newTotal != nil {
		if *newTotal < 1 {
			return a, shelferrors.ValidationFields("invalid progress", map[string]string{
				"totalPages": "must be greater than or equal to 1",
			})
		}
		total := *newTotal
		next.TotalPages = &total
	}
	if newCurrent != nil {
		next.CurrentPage = *newCurrent
	}

	if next.CurrentPage < 1 {
		return a, shelferrors.ValidationFields("invalid progress", map[string]string{
			"currentPage": "must be greater than or equal to 1",
		})
	}
	if next.TotalPages != nil && next.CurrentPage > *next.TotalPages {
		return a, shelferrors.ValidationFields("invalid progress", map[string]string{
			"currentPage": "must not exceed totalPages",
		})
	}

	switch {
	case requested != nil:
		if !requested.Valid() {
			return a, shelferrors.ValidationFields("invalid progress", map[string]string{
				"state": "must be one of: PLANNED IN_PROGRESS COMPLETED ARCHIVED",
			})
		}
		next.State = *requested
	case next.TotalPages != nil && next.CurrentPage == *next.TotalPages:
		next.State = Completed
	case next.CurrentPage != a.CurrentPage:
		next.State = InProgress
	case a.State == Planned && next.CurrentPage > 1:
		next.State = InProgress
	}
	return next, nil
}
