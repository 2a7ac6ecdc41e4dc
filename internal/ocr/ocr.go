// Package ocr turns recognized ticket text into lottery numbers.
package ocr

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"sort"
	"strconv"

	"rewards-miniapp/internal/models"
)

var ErrNotEnoughNumbers = errors.New("ocr: fewer than six numbers recognized")

var numberPattern = regexp.MustCompile(`\d+`)

// ParseNumbers returns the distinct integers in [1,45] found in text, in
// reading order, keeping at most six.
func ParseNumbers(text string) []int {
	out := make([]int, 0, models.TicketNumberCount)
	seen := make(map[int]bool, models.TicketNumberCount)
	for _, tok := range numberPattern.FindAllString(text, -1) {
		// "07" and "7" are the same ball; longer runs are serials or dates.
		if len(tok) > 2 {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil || n < models.TicketNumberMin || n > models.TicketNumberMax || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if len(out) == models.TicketNumberCount {
			break
		}
	}
	return out
}

// Picker produces a full set of six numbers from recognized text. When
// RandomFallback is set, missing numbers are drawn at random; otherwise a
// short read is an error.
type Picker struct {
	RandomFallback bool
	Rand           *rand.Rand
}

func (p Picker) Pick(text string) ([]int, error) {
	numbers := ParseNumbers(text)
	if len(numbers) < models.TicketNumberCount {
		if !p.RandomFallback {
			return numbers, fmt.Errorf("%w: got %d", ErrNotEnoughNumbers, len(numbers))
		}
		numbers = p.fill(numbers)
	}
	return numbers, nil
}

func (p Picker) fill(numbers []int) []int {
	seen := make(map[int]bool, models.TicketNumberCount)
	for _, n := range numbers {
		seen[n] = true
	}
	pool := make([]int, 0, models.TicketNumberMax)
	for n := models.TicketNumberMin; n <= models.TicketNumberMax; n++ {
		if !seen[n] {
			pool = append(pool, n)
		}
	}
	shuffle := rand.Shuffle
	if p.Rand != nil {
		shuffle = p.Rand.Shuffle
	}
	shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	out := append([]int(nil), numbers...)
	out = append(out, pool[:models.TicketNumberCount-len(numbers)]...)
	sort.Ints(out[len(numbers):])
	return out
}
