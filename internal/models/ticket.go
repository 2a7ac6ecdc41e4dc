package models

import (
	"fmt"
	"time"
)

type TicketStatus string

const (
	TicketStatusProcessing TicketStatus = "Processing"
	TicketStatusRegistered TicketStatus = "Registered"
	TicketStatusWon        TicketStatus = "Won"
	TicketStatusLost       TicketStatus = "Lost"
)

const (
	TicketNumberCount = 6
	TicketNumberMin   = 1
	TicketNumberMax   = 45
	TicketCost        = 5.0
)

type Ticket struct {
	ID        string       `json:"id"`
	Numbers   []int        `json:"numbers"`
	DrawDate  time.Time    `json:"drawDate"`
	Status    TicketStatus `json:"status"`
	ImageURL  string       `json:"imageUrl"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ValidateTicketNumbers checks that exactly six distinct numbers in [1,45]
// were supplied.
func ValidateTicketNumbers(numbers []int) error {
	if len(numbers) != TicketNumberCount {
		return fmt.Errorf("expected %d numbers, got %d", TicketNumberCount, len(numbers))
	}
	seen := make(map[int]bool, len(numbers))
	for _, n := range numbers {
		if n < TicketNumberMin || n > TicketNumberMax {
			return fmt.Errorf("number %d out of range %d-%d", n, TicketNumberMin, TicketNumberMax)
		}
		if seen[n] {
			return fmt.Errorf("number %d repeated", n)
		}
		seen[n] = true
	}
	return nil
}

// NextDrawDate returns the first Saturday on or after t, at midnight in t's
// location.
func NextDrawDate(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	offset := (int(time.Saturday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}
