package shell

import "github.com/agnivade/levenshtein"

// closest returns the candidate nearest to word, or "" when nothing is close
// enough to be a likely typo. Ties go to the earlier candidate.
func closest(word string, candidates []string) string {
	best, bestDist := "", len(word)/3+2
	for _, c := range candidates {
		if d := levenshtein.ComputeDistance(word, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func didYouMean(word string, candidates []string) string {
	if s := closest(word, candidates); s != "" {
		return " (did you mean `" + s + "`?)"
	}
	return ""
}
